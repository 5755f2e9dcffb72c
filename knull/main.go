package main

import (
	"context"
	"log"
	"os"
)

func main() {
	ctx := context.Background()
	app := newApp(ctx,
		ConfigureHTTPServerFromEnv(),
		ConfigureMySQLFromEnv(),
		ConfigurePostgresFromEnv(),
		ConfigureSQLiteFromEnv(),
	)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
