// changestream streams row-change events from a PostgreSQL or MySQL
// primary to stdout as JSON lines, committing the cursor after each
// event is written. It exists for smoke-testing captures and as a
// reference consumer of the library.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var logLevel string
	var root = &cobra.Command{
		Use:           "changestream",
		Short:         "Stream row-change events from a database's replication log",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level, err = logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.JSONFormatter{
				FieldMap: logrus.FieldMap{
					logrus.FieldKeyTime:  "ts",
					logrus.FieldKeyLevel: "level",
					logrus.FieldKeyMsg:   "message",
				},
			})
			logrus.SetOutput(os.Stderr)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level (trace, debug, info, warn, error)")
	root.AddCommand(postgresCommand(), mysqlCommand())

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithField("err", err).Fatal("capture failed")
	}
}

// shutdownTimeout bounds how long a stream close may take after the
// context is cancelled.
const shutdownTimeout = 5 * time.Second
