// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/nlpodyssey/beamflow"
	"github.com/nlpodyssey/beamflow/search"
	"github.com/nlpodyssey/beamflow/toylm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "beamflow",
		Usage: "Run beam search decoding over a language model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"BEAMFLOW_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "decode",
				Usage: "Decode the given prompts with beam search",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model",
						Usage:    "path of the toy model definition (YAML)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "options",
						Usage: "path of the decoding options (YAML)",
					},
					&cli.StringFlag{
						Name:     "prompts",
						Usage:    "prompt token ids, comma-separated; separate prompts with ';' (e.g. \"0,1;2,3\")",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "show a progress bar while decoding",
						Value: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := decode(c); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "inspect",
				Usage: "Print the model's next-token distribution after a token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model",
						Usage:    "path of the toy model definition (YAML)",
						Required: true,
					},
					&cli.IntFlag{
						Name:     "token",
						Usage:    "the conditioning token id",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := inspect(c.String("model"), c.Int("token")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "init-model",
				Usage: "Write a sample toy model definition",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output",
						Usage: "destination path",
						Value: "toylm.yaml",
					},
				},
				Action: func(c *cli.Context) error {
					if err := toylm.WriteSample(c.String("output")); err != nil {
						log.Fatal().Err(err).Send()
					}
					log.Info().Msgf("Sample model written to %s", c.String("output"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

func decode(c *cli.Context) error {
	model, err := toylm.Load(c.String("model"))
	if err != nil {
		return err
	}

	opts := beamflow.DefaultDecodingOptions()
	if filename := c.String("options"); filename != "" {
		if opts, err = beamflow.LoadDecodingOptions(filename); err != nil {
			return err
		}
	}

	prompts, err := parsePrompts(c.String("prompts"))
	if err != nil {
		return err
	}

	generator, err := beamflow.New(model, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	var buffer search.StepBuffer[float32]
	barDone := make(chan struct{})
	if c.Bool("progress") && len(prompts[0]) < opts.MaxLen {
		ch := make(search.ChannelBuffer[float32], opts.MaxLen)
		buffer = ch
		bar := progressbar.Default(int64(opts.MaxLen-len(prompts[0])), "decoding")
		go func() {
			defer close(barDone)
			for range ch {
				_ = bar.Add(1)
			}
			_ = bar.Finish()
		}()
	} else {
		close(barDone)
	}

	out, err := generator.Generate(ctx, prompts, buffer)
	<-barDone
	if err != nil {
		return err
	}

	for b := range prompts {
		for k := 0; k < opts.NumReturnSequences; k++ {
			fmt.Printf("prompt %d #%d score=%.4f tokens=%v\n",
				b, k, out.SequenceScore(b, k), out.Sequence(b, k))
		}
	}
	return nil
}

func inspect(filename string, tokenID int) error {
	model, err := toylm.Load(filename)
	if err != nil {
		return err
	}
	if tokenID < 0 || tokenID >= model.VocabSize() {
		return fmt.Errorf("token id %d out of vocabulary range [0, %d)", tokenID, model.VocabSize())
	}
	probs := model.Distribution(tokenID).Data().F64()
	for v, p := range probs {
		fmt.Printf("%d\t%.6f\n", v, p)
	}
	return nil
}

// parsePrompts parses "0,1,2;3,4,5" into a batch of token ids. Row lengths
// are not checked here; a ragged batch is rejected later by the generator.
func parsePrompts(s string) ([][]int64, error) {
	var prompts [][]int64
	for _, part := range strings.Split(s, ";") {
		var row []int64
		for _, field := range strings.Split(part, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q: %w", field, err)
			}
			row = append(row, id)
		}
		prompts = append(prompts, row)
	}
	return prompts, nil
}
