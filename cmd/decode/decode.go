// Package decode converts a raw capture into CSV, optionally through a
// filter chain.
package decode

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/frame"
)

const chunkSize = 64 * 1024

// Options describe the capture layout and the processing.
type Options struct {
	Frame      conf.FrameSettings
	Filters    string  // compact chain applied to every channel
	SampleRate float64 // needed by rate dependent filters
	Header     bool
}

// Stats summarize a decode run.
type Stats struct {
	Bytes    int64
	Frames   int
	Rejected int
	Rows     int
}

// Command creates the decode command.
func Command() *cobra.Command {
	opts := Options{Frame: conf.DefaultDemoStream().Frame}
	verify := true
	opts.Frame.VerifyNextMarker = &verify
	cmd := &cobra.Command{
		Use:   "decode [capture]",
		Short: "Decode a raw capture into CSV",
		Long: "Decode frames from a file, or standard input when no file or '-' is given, " +
			"and write one CSV row per frame to standard output.",
		Example: `  sigscope decode --format int16 --marker AA55 --channels 2 capture.bin
  sigscope decode --format ascii --delimiter , --channels 3 --filter "lowpass:alpha=0.2" uart.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			stats, err := Decode(in, cmd.OutOrStdout(), opts)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d bytes, %d frames, %d rejected, %d rows\n",
				stats.Bytes, stats.Frames, stats.Rejected, stats.Rows)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Frame.Format, "format", opts.Frame.Format, "Sample format: uint8, int8, uint16, int16, uint32, int32, float32, float64 or ascii")
	f.StringVar(&opts.Frame.ByteOrder, "byte-order", opts.Frame.ByteOrder, "Byte order of binary samples: little or big")
	f.StringVar(&opts.Frame.StartMarker, "marker", opts.Frame.StartMarker, "Start marker in hex, empty for none")
	f.IntVar(&opts.Frame.Channels, "channels", opts.Frame.Channels, "Channels per frame")
	f.StringVar(&opts.Frame.Delimiter, "delimiter", ",", "ASCII field delimiter")
	f.StringVar(&opts.Frame.Terminator, "terminator", `\n`, "ASCII frame terminator")
	f.BoolVar(&verify, "verify-next-marker", true, "Reject a frame that is not followed by the next start marker")
	f.StringVar(&opts.Filters, "filter", "", `Filter chain for every channel, e.g. "highpass:alpha=0.9,downsample:factor=4"`)
	f.Float64Var(&opts.SampleRate, "rate", 0, "Sample rate in Hz, required by the notch filter")
	f.BoolVar(&opts.Header, "header", true, "Write a header row")
	return cmd
}

// Decode reads frames from r and writes CSV rows to w. Filter state carries
// across chunks so the output equals filtering the whole capture at once.
func Decode(r io.Reader, w io.Writer, opts Options) (Stats, error) {
	var stats Stats

	fc, err := (conf.StreamSettings{Frame: opts.Frame}).FrameConfig()
	if err != nil {
		return stats, err
	}
	dec, err := frame.NewDecoder(fc)
	if err != nil {
		return stats, err
	}

	var pipelines []*filter.Pipeline
	if opts.Filters != "" {
		specs, err := filter.ParseSpecs(opts.Filters)
		if err != nil {
			return stats, err
		}
		for range fc.Channels {
			p, err := filter.Build(specs)
			if err != nil {
				return stats, err
			}
			pipelines = append(pipelines, p)
		}
	}

	out := csv.NewWriter(w)
	if opts.Header {
		header := make([]string, fc.Channels+1)
		header[0] = "frame"
		for i := range fc.Channels {
			header[i+1] = fmt.Sprintf("ch%d", i)
		}
		if err := out.Write(header); err != nil {
			return stats, err
		}
	}

	columns := make([][]float64, fc.Channels)
	filtered := make([][]float64, fc.Channels)
	record := make([]string, fc.Channels+1)

	flush := func() error {
		n := len(columns[0])
		if pipelines != nil {
			for i, p := range pipelines {
				if cap(filtered[i]) < len(columns[i]) {
					filtered[i] = make([]float64, len(columns[i]))
				}
				filtered[i] = filtered[i][:len(columns[i])]
				n = p.Stream(columns[i], filtered[i], opts.SampleRate)
			}
		} else {
			copy(filtered, columns)
		}
		for row := range n {
			record[0] = strconv.Itoa(stats.Rows)
			for ch := range filtered {
				record[ch+1] = strconv.FormatFloat(filtered[ch][row], 'g', -1, 64)
			}
			if err := out.Write(record); err != nil {
				return err
			}
			stats.Rows++
		}
		for i := range columns {
			columns[i] = columns[i][:0]
		}
		return nil
	}

	buf := make([]byte, 0, 2*chunkSize)
	chunk := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(chunk)
		stats.Bytes += int64(n)
		buf = append(buf, chunk[:n]...)

		consumed, frames, rejected := dec.Scan(buf, func(samples []float64) {
			for i, v := range samples {
				columns[i] = append(columns[i], v)
			}
		})
		stats.Frames += frames
		stats.Rejected += rejected
		buf = append(buf[:0], buf[consumed:]...)

		if err := flush(); err != nil {
			return stats, err
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return stats, readErr
		}
	}

	out.Flush()
	return stats, out.Error()
}
