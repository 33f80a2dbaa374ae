package start

import (
	"context"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/caesium-cloud/lumen/api"
	"github.com/caesium-cloud/lumen/internal/callback"
	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/provider"
	"github.com/caesium-cloud/lumen/internal/schedule"
	"github.com/caesium-cloud/lumen/internal/secret"
	"github.com/caesium-cloud/lumen/pkg/db"
	"github.com/caesium-cloud/lumen/pkg/env"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	usage   = "start"
	short   = "Start a lumen server"
	long    = "This command starts the lumen API, the job controller and the rerun lane"
	example = "lumen start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "serve", "begin"},
		Example:    example,
		RunE:       start,
	}
)

func start(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	go func() {
		for s := range signalChan {
			switch s {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 signal")
				if profile := pprof.Lookup("goroutine"); profile != nil {
					if err := profile.WriteTo(os.Stdout, 1); err != nil {
						log.Error("write goroutine profile", "error", err)
					}
				}
			default:
				log.Info("gracefully shutting down", "signal", s.String())
				cancel()
			}
		}
	}()

	vars := env.Variables()

	log.Info("migrating database")
	if err := db.Migrate(); err != nil {
		return errors.Wrap(err, "database migration failure")
	}

	live, err := loadLive(vars.ConfigPath)
	if err != nil {
		return err
	}

	registry, err := secret.NewConfiguredRegistry(secret.Config{
		EnableEnv: vars.SecretsEnableEnv,
		Vault: &secret.VaultConfig{
			Address:   vars.VaultAddress,
			Token:     vars.VaultToken,
			Namespace: vars.VaultNamespace,
		},
	})
	if err != nil {
		return errors.Wrap(err, "secret resolver configuration failure")
	}

	prov := provider.New(provider.Config{
		URL: vars.ProviderURL,
		Keys: func(ctx context.Context) (string, error) {
			return secret.APIKey(ctx, registry, live.Get().Credentials, vars.ProviderAPIKey)
		},
	})

	metrics.Register()

	m := manager.New(manager.Deps{
		DB:            db.Connection(),
		Files:         postprocess.NewStore(vars.WorkDir),
		Collaborators: prov.Collaborators(),
		Live:          live,
		LivePath:      vars.ConfigPath,
	}, manager.Config{
		Concurrency:     vars.Concurrency,
		FallbackTimeout: vars.FallbackTimeout,
		ForceStopGrace:  vars.ForceStopGrace,
		PollInterval:    vars.PollInterval,
	})

	log.Info("recovering interrupted work")
	if err := m.Recover(ctx); err != nil {
		return errors.Wrap(err, "recovery failure")
	}

	errs := make(chan error, 2)

	if vars.Schedule != "" {
		sched, err := schedule.New(vars.Schedule, vars.ScheduleTimezone, m)
		if err != nil {
			return errors.Wrap(err, "schedule configuration failure")
		}
		go sched.Listen(ctx)
	}

	if targets := callback.ParseTargets(vars.CallbackURLs); len(targets) > 0 {
		var headers map[string]string
		if vars.CallbackToken != "" {
			headers = map[string]string{"Authorization": "Bearer " + vars.CallbackToken}
		}
		handlers := make([]callback.Handler, 0, len(targets))
		for _, url := range targets {
			h, err := callback.NewNotificationHandler(url, headers, nil)
			if err != nil {
				return errors.Wrap(err, "callback configuration failure")
			}
			handlers = append(handlers, h)
		}
		go func() {
			if err := callback.NewDispatcher(m.Bus(), m, handlers...).Run(ctx); err != nil {
				log.Error("callback dispatcher failure", "error", err)
			}
		}()
	}

	go func() {
		log.Info("spinning up api")
		errs <- api.Start(ctx, m)
	}()

	go func() {
		log.Info("launching rerun lane")
		errs <- m.Run(ctx)
	}()

	// the first exit, error or not, stops everything; the manager still
	// interrupts running work before returning
	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

// loadLive reads the live settings file. Without one the server starts
// with empty settings and every start request must carry its own.
func loadLive(path string) (*config.Live, error) {
	if path == "" {
		log.Warn("no live settings file configured")
		return config.NewLive(&config.Settings{}), nil
	}

	settings, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("live settings file does not exist yet", "path", path)
			return config.NewLive(&config.Settings{}), nil
		}
		return nil, errors.Wrap(err, "load live settings")
	}

	log.Info("loaded live settings", "path", path, "label", settings.Label)
	return config.NewLive(settings), nil
}
