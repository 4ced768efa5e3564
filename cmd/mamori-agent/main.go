// mamori-agent 设备端代理：事件先尝试直接上报，失败时写入本地 outbox，联网后按顺序补发
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Mamori/pkg/client"
	"Mamori/pkg/config"
	"Mamori/pkg/logger"
	"Mamori/pkg/outbox"
	"Mamori/pkg/scheduler"
	"Mamori/pkg/util"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type agent struct {
	cfg    *config.Config
	api    *client.Client
	outbox *outbox.Outbox
}

func newAgent() (*agent, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		return nil, err
	}
	db, err := util.InitDatabase("sqlite", cfg.Outbox.DSN, util.DBOptions{})
	if err != nil {
		return nil, err
	}
	store, err := outbox.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	api := client.New(cfg.Outbox.BackendURL, cfg.Outbox.Token)
	ob := outbox.New(store, api, outbox.Config{
		MaxRetries: cfg.Outbox.MaxRetries,
		BaseDelay:  cfg.Outbox.BaseDelay,
		MaxDelay:   cfg.Outbox.MaxDelay,
	})
	return &agent{cfg: cfg, api: api, outbox: ob}, nil
}

// withAgent 每个子命令独立加载配置与本地队列
func withAgent(fn func(ctx context.Context, a *agent) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return fn(cmd.Context(), a)
	}
}

func reportCmd() *cobra.Command {
	var (
		ev       outbox.Event
		payload  string
		lat, lng float64
		withGeo  bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a safety event, queueing it when the backend is unreachable",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				ev.Payload = json.RawMessage(payload)
			}
			if withGeo {
				ev.Latitude, ev.Longitude = &lat, &lng
			}
			sent, entry, err := a.outbox.Deliver(ctx, ev)
			if err != nil {
				return err
			}
			if sent {
				fmt.Printf("sent %s\n", entry.ID)
			} else {
				fmt.Printf("queued %s\n", entry.ID)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&ev.Type, "type", "", "event type (scam_button, auto_forward, ai_assistant, conversation_ai)")
	cmd.Flags().StringVar(&ev.Severity, "severity", "", "severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as JSON")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().BoolVar(&withGeo, "geo", false, "attach --lat/--lng to the event")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Resend queued events once",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			res, err := a.outbox.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sent=%d failed=%d dropped=%d\n", res.Sent, res.Failed, res.Dropped)
			return nil
		}),
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued events",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			entries, err := a.outbox.Pending(ctx)
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Retries", "Created"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.ID, e.Type, e.Severity, e.RetryCount, e.CreatedAt.Local().Format("2006-01-02 15:04:05")})
			}
			tw.Render()
			return nil
		}),
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued event (on logout)",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			return a.outbox.Clear(ctx)
		}),
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Flush the queue periodically until interrupted",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			s := scheduler.NewWithContext(ctx)
			a.outbox.AutoFlush(s, a.cfg.Outbox.FlushInterval)
			<-ctx.Done()
			s.Stop()
			return nil
		}),
	}
}

func sosCmd() *cobra.Command {
	var (
		req client.StartSOSRequest
		loc client.LocationRequest
	)
	sos := &cobra.Command{Use: "sos", Short: "Emergency session commands"}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start an emergency session",
		RunE: withAgent(func(ctx context.Context, a *agent) error {
			sess, err := a.api.StartSOS(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("session %s mode=%s resumed=%t\n", sess.ID, sess.Mode, sess.Resumed)
			return nil
		}),
	}
	start.Flags().StringVar(&req.Mode, "mode", "", "alarm or silent; empty uses the configured default")
	start.Flags().Float64Var(&req.Latitude, "lat", 0, "latitude")
	start.Flags().Float64Var(&req.Longitude, "lng", 0, "longitude")

	location := &cobra.Command{
		Use:   "location <session-id>",
		Short: "Append a location to an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent) error {
				return a.api.AppendLocation(ctx, args[0], loc)
			})(cmd, args)
		},
	}
	location.Flags().Float64Var(&loc.Latitude, "lat", 0, "latitude")
	location.Flags().Float64Var(&loc.Longitude, "lng", 0, "longitude")

	sos.AddCommand(start, location)
	return sos
}

func main() {
	root := &cobra.Command{
		Use:           "mamori-agent",
		Short:         "Device-side reporter with an offline outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(reportCmd(), flushCmd(), pendingCmd(), clearCmd(), runCmd(), sosCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
