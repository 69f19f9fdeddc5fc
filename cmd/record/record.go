// Package record captures a fixed span of every channel into WAV files.
package record

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/app"
	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/export"
	"github.com/sigscope/sigscope/internal/logger"
)

// Options control a recording.
type Options struct {
	Duration time.Duration
	Dir      string
	Channels []int // global indices, empty for all
}

// Command creates the record command.
func Command(settings *conf.Settings) *cobra.Command {
	var opts Options
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record every channel into WAV files",
		Long: "Stream for the given duration, then write the filtered buffer of each channel " +
			"as a 16-bit WAV file named after the channel. Interrupting stops early and still writes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			paths, err := Run(ctx, settings, opts)
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}

	cmd.Flags().DurationVarP(&opts.Duration, "duration", "t", 5*time.Second, "How long to record")
	cmd.Flags().StringVarP(&opts.Dir, "output", "o", "recordings", "Output directory")
	cmd.Flags().IntSliceVar(&opts.Channels, "channel", nil, "Global channel index to record, repeatable (default: all)")
	return cmd
}

// Run records with the configured streams and no network services.
func Run(ctx context.Context, settings *conf.Settings, opts Options) ([]string, error) {
	local := *settings
	local.API.Enabled = false
	local.Metrics.Enabled = false
	local.MQTT.Enabled = false
	local.Measurements = nil

	a, err := app.New(&local, app.WithoutSystemSummary())
	if err != nil {
		return nil, err
	}
	return record(ctx, a, opts)
}

func record(ctx context.Context, a *app.App, opts Options) ([]string, error) {
	channels, err := selectChannels(a.List(), opts.Channels)
	if err != nil {
		return nil, err
	}

	a.StartStreams(ctx)
	defer a.Close()

	log := logger.Global().Module("record")
	log.Info("recording",
		logger.Duration("duration", opts.Duration),
		logger.Int("channels", len(channels)),
		logger.String("output", opts.Dir))

	timer := time.NewTimer(opts.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		log.Info("recording interrupted")
	case <-timer.C:
	}

	count := 0
	for _, ch := range channels {
		count = max(count, ch.Stream().BufferCapacity())
	}
	return export.Channels(opts.Dir, channels, count)
}

func selectChannels(list *acquisition.ChannelList, indices []int) ([]*acquisition.Channel, error) {
	if len(indices) == 0 {
		return list.Channels(), nil
	}
	out := make([]*acquisition.Channel, 0, len(indices))
	for _, i := range indices {
		ch, ok := list.Channel(i)
		if !ok {
			return nil, fmt.Errorf("channel %d does not exist, there are %d channels", i, list.Len())
		}
		out = append(out, ch)
	}
	return out, nil
}
