// Package cli is farmctl, a command line surface for the photo pipeline.
package cli

import (
	"github.com/spf13/cobra"

	"farm-bot/api/internal/config"
	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/detection/gemini"
	"farm-bot/api/internal/farm"
	"farm-bot/api/internal/finalize"
)

func Execute() error {
	return NewRoot().Execute()
}

type options struct {
	envFile string
	apiURL  string
	token   string
}

// deps is everything a command needs, built from config and flags.
type deps struct {
	cfg    *config.Config
	tasks  farm.TaskProvider
	client *detection.Client
	// finalizer commits or rolls back predictions of whichever backend
	// produced them.
	finalizer finalize.Finalizer
	selector  detection.Selector
}

func (o *options) load() (*deps, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, err
	}
	if o.apiURL != "" {
		cfg.FarmAPIURL = o.apiURL
	}
	if o.token != "" {
		cfg.FarmAPIToken = o.token
	}
	selector, err := detection.LoadSelector(cfg.ModelLabelsFile)
	if err != nil {
		return nil, err
	}
	httpc := farm.NewHTTP(cfg.FarmAPIURL, cfg.RequestTimeout)
	creds := farm.StaticToken(cfg.FarmAPIToken)
	api := detection.NewAPI(httpc, creds)

	var (
		backend   detection.Backend  = api
		finalizer finalize.Finalizer = api
	)
	if cfg.DetectionBackend == "gemini" {
		g := gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
		backend, finalizer = g, g
	}
	return &deps{
		cfg:       cfg,
		tasks:     farm.NewClient(httpc, creds),
		client:    detection.NewClient(backend, selector),
		finalizer: finalizer,
		selector:  selector,
	}, nil
}

func NewRoot() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "farmctl",
		Short:         "Capture, analyze and confirm cultural-work photos",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env", "", "path to load env from")
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "farm API base URL (overrides FARM_API_URL)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "session token (overrides FARM_API_TOKEN)")

	root.AddCommand(
		taskCmd(opts),
		modelCmd(opts),
		analyzeCmd(opts),
	)
	return root
}
