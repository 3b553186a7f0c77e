// Command mailctl runs one account operation from the shell:
//
//	mailctl sync <account-id>
//	mailctl test <account-id>
//
// It uses the same environment variables as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/vdavid/mailcore/internal/app"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/dispatch"
	"github.com/vdavid/mailcore/internal/logging"
	"github.com/vdavid/mailcore/internal/mailsync"
)

const usage = `usage: mailctl <command> <account-id>

commands:
  sync   fetch new mail and persist it
  test   connect to the provider and verify credentials`

var errUsage = errors.New(usage)

// operations is what the CLI can ask of the running services.
type operations interface {
	Sync(ctx context.Context, accountID string) (*mailsync.Summary, error)
	Test(ctx context.Context, accountID string) (*dispatch.TestResult, error)
}

type appOperations struct {
	app *app.App
}

func (o appOperations) Sync(ctx context.Context, accountID string) (*mailsync.Summary, error) {
	account, err := o.app.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return o.app.Orchestrator.Sync(ctx, account.ID, account.UserID)
}

func (o appOperations) Test(ctx context.Context, accountID string) (*dispatch.TestResult, error) {
	return o.app.Dispatcher.TestAccountConnection(ctx, accountID)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		logging.Logger(logging.Main).Fatalf("Failed to load config: %v", err)
	}
	logging.Init(cfg.LogLevel)
	log := logging.Logger(logging.Main)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	a, err := app.New(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if err := run(ctx, appOperations{app: a}, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

// run executes one command and prints its result as JSON.
func run(ctx context.Context, ops operations, args []string, out io.Writer) error {
	if len(args) != 2 || args[1] == "" {
		return errUsage
	}
	command, accountID := args[0], args[1]

	var result any
	var failure error
	switch command {
	case "sync":
		summary, err := ops.Sync(ctx, accountID)
		if err != nil {
			return err
		}
		result = summary
	case "test":
		res, err := ops.Test(ctx, accountID)
		if err != nil {
			return err
		}
		result = res
		if !res.Success {
			failure = fmt.Errorf("verification failed: %s", res.Error)
		}
	default:
		return errUsage
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return failure
}
