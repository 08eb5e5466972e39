// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"

	"github.com/nlpodyssey/terravit"
	"github.com/nlpodyssey/terravit/checkpoint"
	"github.com/nlpodyssey/terravit/downloader"
	"github.com/nlpodyssey/terravit/history"
	"github.com/nlpodyssey/terravit/patchify"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/nlpodyssey/terravit/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "terravit",
		Usage: "Run SatViT models on satellite imagery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set log level (trace, debug, info, warn, error, fatal, panic)",
				Value:   "info",
				EnvVars: []string{"TERRAVIT_LOGLEVEL"},
			},
			&cli.BoolFlag{
				Name:  "json-log",
				Usage: "write logs as JSON instead of console output",
			},
			&cli.StringFlag{
				Name:    "weights",
				Usage:   "PyTorch (.pt, .pth) or converted checkpoint",
				Value:   "SatViT_V2.pt",
				EnvVars: []string{"TERRAVIT_WEIGHTS_PATH"},
			},
			&cli.StringFlag{
				Name:    "variant",
				Usage:   "model variant (v1, v2)",
				Value:   satvit.V2.String(),
				EnvVars: []string{"TERRAVIT_VARIANT"},
			},
		},
		Before: func(c *cli.Context) error {
			return setupLogger(c.String("log-level"), c.Bool("json-log"))
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download checkpoint files from huggingface.co",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "repo", Usage: "Hugging Face repository id", Required: true},
					&cli.StringFlag{Name: "revision", Value: downloader.DefaultRevision},
					&cli.StringSliceFlag{Name: "file", Usage: "file to download (repeatable)", Value: cli.NewStringSlice("SatViT_V2.pt")},
					&cli.StringFlag{Name: "dir", Usage: "destination directory", Value: "models"},
					&cli.StringFlag{Name: "token", Usage: "access token", EnvVars: []string{"HF_TOKEN"}},
					&cli.BoolFlag{Name: "overwrite", Usage: "download files that already exist"},
				},
				Action: func(c *cli.Context) error {
					paths, err := downloader.Download(c.Context, downloader.Options{
						RepoID:           c.String("repo"),
						Revision:         c.String("revision"),
						Files:            c.StringSlice("file"),
						Dir:              c.String("dir"),
						AccessToken:      c.String("token"),
						OverwriteIfExist: c.Bool("overwrite"),
					})
					if err != nil {
						return err
					}
					log.Info().Strs("files", paths).Msg("Done.")
					return nil
				},
			},
			{
				Name:  "convert",
				Usage: "Convert a PyTorch checkpoint to the native format",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Usage: "output file (default: input with .bin extension)"},
					&cli.BoolFlag{Name: "overwrite", Usage: "overwrite the output file"},
				},
				Action: func(c *cli.Context) error {
					variant, err := satvit.VariantFromString(c.String("variant"))
					if err != nil {
						return err
					}
					_, err = checkpoint.Convert(checkpoint.ConverterConfig{
						PyModelFilename:  c.String("weights"),
						GoModelFilename:  c.String("output"),
						Variant:          variant,
						OverwriteIfExist: c.Bool("overwrite"),
					})
					return err
				},
			},
			{
				Name:      "encode",
				Usage:     "Print the mean-pooled latent of an image",
				ArgsUsage: "IMAGE",
				Action: func(c *cli.Context) error {
					e, img, err := loadEngineAndImage(c)
					if err != nil {
						return err
					}
					patches, err := e.Patchify(img)
					if err != nil {
						return err
					}
					latent, err := e.Encode(c.Context, patches)
					if err != nil {
						return err
					}
					return printJSON(map[string]any{
						"num_patches": latent.Rows(),
						"dim":         latent.Columns(),
						"pooled":      satvit.MeanRows(latent),
					})
				},
			},
			{
				Name:      "predict",
				Usage:     "Classify an image",
				ArgsUsage: "IMAGE",
				Action: func(c *cli.Context) error {
					e, img, err := loadEngineAndImage(c)
					if err != nil {
						return err
					}
					p, err := e.Predict(c.Context, img)
					if err != nil {
						return err
					}
					return printJSON(p)
				},
			},
			{
				Name:      "reconstruct",
				Usage:     "Score the reconstruction of a randomly masked image",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "mask-ratio", Value: terravit.DefaultMaskRatio},
					&cli.Int64Flag{Name: "seed", Usage: "masking seed (0: time-based)"},
				},
				Action: func(c *cli.Context) error {
					e, img, err := loadEngineAndImage(c)
					if err != nil {
						return err
					}
					r, err := e.Reconstruct(c.Context, img, c.Float64("mask-ratio"))
					if err != nil {
						return err
					}
					return printJSON(r)
				},
			},
			{
				Name:  "serve",
				Usage: "Serve the HTTP inference API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Usage: "YAML configuration file"},
					&cli.StringFlag{Name: "address", Usage: "address to listen on (overrides the configuration)"},
					&cli.StringFlag{Name: "grpc-address", Usage: "address of the gRPC health endpoint (overrides the configuration)"},
					&cli.StringFlag{Name: "history-db", Usage: "SQLite file recording served inferences", EnvVars: []string{"TERRAVIT_HISTORY_DB"}},
				},
				Action: func(c *cli.Context) error {
					config, err := serverConfig(c)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()
					return serve(ctx, config)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setupLogger(level string, jsonLog bool) error {
	if !jsonLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	log.Logger = log.Level(l)
	return nil
}

func engineOptions(c *cli.Context) (terravit.Options, error) {
	variant, err := satvit.VariantFromString(c.String("variant"))
	if err != nil {
		return terravit.Options{}, err
	}
	return terravit.Options{
		WeightsPath: c.String("weights"),
		Variant:     variant,
		Seed:        c.Int64("seed"),
	}, nil
}

func loadEngineAndImage(c *cli.Context) (*terravit.Engine, image.Image, error) {
	if c.NArg() != 1 {
		return nil, nil, fmt.Errorf("expected one image argument, actual %d", c.NArg())
	}
	img, err := readImage(c.Args().First())
	if err != nil {
		return nil, nil, err
	}
	opts, err := engineOptions(c)
	if err != nil {
		return nil, nil, err
	}
	e := terravit.New(opts)
	if err := e.Load(c.Context); err != nil {
		return nil, nil, err
	}
	return e, img, nil
}

func readImage(filename string) (image.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return patchify.Decode(f)
}

func serverConfig(c *cli.Context) (service.Config, error) {
	config := service.DefaultConfig()
	if name := c.String("config"); name != "" {
		var err error
		if config, err = service.LoadConfig(name); err != nil {
			return service.Config{}, err
		}
	}
	if c.IsSet("weights") {
		config.WeightsPath = c.String("weights")
	}
	if c.IsSet("variant") {
		variant, err := satvit.VariantFromString(c.String("variant"))
		if err != nil {
			return service.Config{}, err
		}
		config.Variant = variant
	}
	if c.IsSet("history-db") {
		config.HistoryDB = c.String("history-db")
	}
	if c.IsSet("address") {
		config.ListenAddress = c.String("address")
	}
	if c.IsSet("grpc-address") {
		config.GRPCAddress = c.String("grpc-address")
	}
	return config, nil
}

func serve(ctx context.Context, config service.Config) error {
	e := terravit.New(config.EngineOptions())
	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	var hist service.History
	if config.HistoryDB != "" {
		store, err := history.Open(config.HistoryDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Err(err).Msg("failed to close history database")
			}
		}()
		hist = store
	}
	return service.NewServer(e, config, hist).Start(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
