package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/changestream/cdc"
	"github.com/estuary/changestream/postgres"
)

func postgresCommand() *cobra.Command {
	var cfg postgres.Config
	var connectTimeoutMs, readTimeoutMs, writeTimeoutMs, statusIntervalMs int

	var cmd = &cobra.Command{
		Use:   "postgres",
		Short: "Stream logical-replication changes from a PostgreSQL primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ConnectTimeout = time.Duration(connectTimeoutMs) * time.Millisecond
			cfg.ReadTimeout = time.Duration(readTimeoutMs) * time.Millisecond
			cfg.WriteTimeout = time.Duration(writeTimeoutMs) * time.Millisecond
			cfg.StatusInterval = time.Duration(statusIntervalMs) * time.Millisecond
			if cfg.SourceID == "" {
				cfg.SourceID = uuid.NewString()
			}
			return runPostgres(cmd.Context(), cfg)
		},
	}

	var flags = cmd.Flags()
	flags.StringVar(&cfg.Host, "host", "", "server host (defaults to PGHOST)")
	flags.Uint16Var(&cfg.Port, "port", 0, "server port (defaults to PGPORT, then 5432)")
	flags.StringVar(&cfg.User, "user", "", "replication user (defaults to PGUSER)")
	flags.StringVar(&cfg.Password, "password", "", "password (defaults to PGPASSWORD)")
	flags.StringVar(&cfg.Database, "database", "", "database name (defaults to PGDATABASE)")
	flags.StringVar(&cfg.ApplicationName, "application-name", "", "application_name reported to the server")
	flags.StringVar(&cfg.SSLMode, "sslmode", "", "disable, prefer, or require (defaults to PGSSLMODE)")
	flags.StringVar(&cfg.SlotName, "slot", "", "logical replication slot name")
	flags.BoolVar(&cfg.SlotTemporary, "slot-temporary", false, "create the slot as TEMPORARY")
	flags.BoolVar(&cfg.DisableSlotCreation, "no-create-slot", false, "fail instead of creating a missing slot")
	flags.StringVar(&cfg.StartLSN, "start-lsn", "", "resume LSN in X/X form")
	flags.StringVar(&cfg.SourceID, "source-id", "", "opaque source identifier stamped on events")
	flags.IntVar(&connectTimeoutMs, "connect-timeout-ms", 0, "connect timeout in milliseconds")
	flags.IntVar(&readTimeoutMs, "read-timeout-ms", 0, "per-frame read timeout in milliseconds")
	flags.IntVar(&writeTimeoutMs, "write-timeout-ms", 0, "write timeout in milliseconds")
	flags.IntVar(&statusIntervalMs, "status-interval-ms", 0, "standby status update interval in milliseconds")
	return cmd
}

func runPostgres(ctx context.Context, cfg postgres.Config) error {
	var conn, err = postgres.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	stream, err := postgres.StartReplication(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		return emitEvents(groupCtx, stream)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		var closeCtx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return stream.Close(closeCtx)
	})
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return stream.Err()
}

// emitEvents writes each row event to stdout as one JSON line and then
// commits its cursor with the stream.
func emitEvents(ctx context.Context, stream cdc.Stream) error {
	var encoder = json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if err := encoder.Encode(event); err != nil {
				return err
			}
			if err := stream.Commit(event.Cursor); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"op":     event.Op,
				"table":  event.Table,
				"cursor": event.Cursor,
			}).Debug("emitted event")
		}
	}
}
