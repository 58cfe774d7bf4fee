package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/changestream/mysql"
)

func mysqlCommand() *cobra.Command {
	var cfg mysql.Config
	var connectTimeoutMs, readTimeoutMs, writeTimeoutMs, heartbeatPeriodMs int
	var startCursor string

	var cmd = &cobra.Command{
		Use:   "mysql",
		Short: "Stream binlog changes from a MySQL primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ConnectTimeout = time.Duration(connectTimeoutMs) * time.Millisecond
			cfg.ReadTimeout = time.Duration(readTimeoutMs) * time.Millisecond
			cfg.WriteTimeout = time.Duration(writeTimeoutMs) * time.Millisecond
			cfg.HeartbeatPeriod = time.Duration(heartbeatPeriodMs) * time.Millisecond
			if startCursor != "" {
				var cursor, err = mysql.ParseBinlogCursor(startCursor)
				if err != nil {
					return err
				}
				cfg.StartFile, cfg.StartPos = cursor.File, cursor.Pos
			}
			if cfg.SourceID == "" {
				cfg.SourceID = uuid.NewString()
			}
			return runMySQL(cmd.Context(), cfg)
		},
	}

	var flags = cmd.Flags()
	flags.StringVar(&cfg.Host, "host", "127.0.0.1", "server host")
	flags.Uint16Var(&cfg.Port, "port", 0, "server port (default 3306)")
	flags.StringVar(&cfg.User, "user", "", "replication user")
	flags.StringVar(&cfg.Password, "password", "", "password")
	flags.StringVar(&cfg.Database, "database", "", "default database")
	flags.Uint32Var(&cfg.ServerID, "server-id", 0, "unique replica server id (required)")
	flags.StringVar(&startCursor, "start-cursor", "", "resume position as <file>/<pos>")
	flags.StringVar(&cfg.SourceID, "source-id", "", "opaque source identifier stamped on events")
	flags.IntVar(&connectTimeoutMs, "connect-timeout-ms", 0, "connect timeout in milliseconds")
	flags.IntVar(&readTimeoutMs, "read-timeout-ms", 0, "per-packet read timeout in milliseconds")
	flags.IntVar(&writeTimeoutMs, "write-timeout-ms", 0, "write timeout in milliseconds")
	flags.IntVar(&heartbeatPeriodMs, "heartbeat-period-ms", 0, "binlog heartbeat period in milliseconds")
	return cmd
}

func runMySQL(ctx context.Context, cfg mysql.Config) error {
	var conn, err = mysql.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	stream, err := mysql.StartReplication(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		return emitEvents(groupCtx, stream)
	})
	group.Go(func() error {
		for hint := range stream.Hints() {
			logrus.WithFields(logrus.Fields{
				"database": hint.Database,
				"query":    hint.Query,
			}).Info("schema change observed")
		}
		return nil
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
