// omotes-submit submits, inspects and cancels jobs from the command line.
//
// With OMOTES_STORE=redis and a fixed OMOTES_REPLY_TO, jobs submitted by one
// invocation can be inspected and cancelled by later ones.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"omotes/internal/config"
	"omotes/internal/observability"
	"omotes/pkg/jobstore"
	"omotes/pkg/omotes"
	"omotes/pkg/transport"
	"omotes/pkg/transport/amqp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "omotes-submit:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: omotes-submit <submit|status|cancel> [flags]")
}

// session is a started client and everything it holds open.
type session struct {
	client    *omotes.Client
	transport transport.Transport
	redis     *goredis.Client
}

func open(ctx context.Context) (*session, error) {
	logCfg := observability.LoadLogConfigFromEnv()
	if os.Getenv("OMOTES_LOG_LEVEL") == "" {
		logCfg.Level = "warn"
	}
	logger, _, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(config.GetEnv("OMOTES_CONFIG_FILE", ""), "")
	if err != nil {
		return nil, err
	}

	s := &session{transport: transport.NewResilient(amqp.New(cfg.RabbitMQ), transport.DefaultResilientConfig())}
	opts := []omotes.Option{omotes.WithLogger(logger)}
	if cfg.Service.Store == "redis" {
		redisOpts, err := goredis.ParseURL(cfg.Service.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		s.redis = goredis.NewClient(redisOpts)
		store := jobstore.NewRedis(s.redis, jobstore.WithRedisLogger(logger))
		if err := store.Ping(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		opts = append(opts, omotes.WithStore(store))
	}

	s.client = omotes.New(s.transport, opts...)
	if err := s.client.Start(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.client != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Stop(stopCtx); err != nil {
			slog.Warn("Client stop failed", "error", err)
		}
	}
	s.transport.Close()
	if s.redis != nil {
		s.redis.Close()
	}
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	workflowType := fs.String("workflow", "", "workflow type (required)")
	payloadFile := fs.String("payload", "", "file holding the job payload")
	params := fs.String("params", "", "workflow parameters as a JSON object")
	jobID := fs.String("id", "", "job id (default: random)")
	timeout := fs.Duration("timeout", 0, "job timeout (0: none)")
	wait := fs.Bool("wait", true, "wait for the job to finish")
	waitFor := fs.Duration("wait-timeout", 0, "how long to wait (0: client default)")
	_ = fs.Parse(args)

	if *workflowType == "" {
		return errors.New("-workflow is required")
	}
	var payload []byte
	if *payloadFile != "" {
		b, err := os.ReadFile(*payloadFile)
		if err != nil {
			return err
		}
		payload = b
	}
	opts := []omotes.SubmitOption{
		omotes.OnStatus(func(j omotes.Job) {
			fmt.Fprintf(os.Stderr, "%s %s\n", j.ID, j.Status)
		}),
		omotes.OnProgress(func(j omotes.Job) {
			fmt.Fprintf(os.Stderr, "%s %3.0f%% %s\n", j.ID, j.Progress*100, j.ProgressMessage)
		}),
	}
	if *params != "" {
		var p map[string]any
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
		opts = append(opts, omotes.WithParams(p))
	}
	if *jobID != "" {
		opts = append(opts, omotes.WithJobID(*jobID))
	}
	if *timeout > 0 {
		opts = append(opts, omotes.WithTimeout(*timeout))
	}

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	id, err := s.client.Submit(ctx, *workflowType, payload, opts...)
	if err != nil {
		return err
	}
	fmt.Println(id)
	if !*wait {
		return nil
	}

	outcome, err := s.client.AwaitCompletion(ctx, id, *waitFor)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("id", "", "job id (empty: list all)")
	_ = fs.Parse(args)

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if *jobID == "" {
		jobs, err := s.client.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(jobs)
	}
	j, err := s.client.Job(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJSON(j)
}

func runCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	jobID := fs.String("id", "", "job id (required)")
	workflowType := fs.String("workflow", "", "workflow type, to cancel a job this process does not track")
	_ = fs.Parse(args)

	if *jobID == "" {
		return errors.New("-id is required")
	}

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if *workflowType != "" {
		if _, err := s.client.Job(ctx, *jobID); err != nil {
			if _, err := s.client.Track(ctx, *jobID, *workflowType); err != nil {
				return err
			}
		}
	}
	return s.client.Cancel(ctx, *jobID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
