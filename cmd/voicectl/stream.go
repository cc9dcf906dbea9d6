package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/vad"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms chunks, sent in real time
const chunkInterval = 100 * time.Millisecond

var (
	vadURL            string
	vadAggressiveness int
)

var vadStreamCmd = &cobra.Command{
	Use:   "vad-stream <file.wav>",
	Short: "Stream a PCM16 mono WAV file to a VAD server and print speech boundaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runVADStream,
}

func init() {
	vadStreamCmd.Flags().StringVar(&vadURL, "vad", "ws://localhost:8001/ws/vad", "VAD websocket URL")
	vadStreamCmd.Flags().IntVar(&vadAggressiveness, "aggressiveness", 2, "VAD aggressiveness (0-3)")
	rootCmd.AddCommand(vadStreamCmd)
}

type printHandler struct {
	out  io.Writer
	lost chan error
}

func (h printHandler) OnSpeechEvent(ev vad.SpeechEvent) {
	if ev.Kind == vad.SpeechStart {
		fmt.Fprintf(h.out, "%8dms  speech started\n", ev.TimestampMs)
		return
	}
	fmt.Fprintf(h.out, "%8dms  speech ended (%dms)\n", ev.TimestampMs, ev.DurationMs)
}

func (h printHandler) OnUnavailable(err error) {
	h.lost <- err
}

func runVADStream(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("failed to read WAV header: %w", err)
	}
	info, err := capture.ParseWavHeader(header)
	if err != nil {
		return err
	}
	if info.Channels != 1 {
		return fmt.Errorf("expected mono audio, got %d channels", info.Channels)
	}

	cfg := vad.DefaultConfig()
	cfg.URL = vadURL
	cfg.ClientID = "voicectl-" + uuid.NewString()
	cfg.SampleRate = info.SampleRate
	cfg.Aggressiveness = vadAggressiveness
	if err := cfg.Validate(); err != nil {
		return err
	}

	client := vad.NewClient(cfg)
	h := printHandler{out: cmd.OutOrStdout(), lost: make(chan error, 1)}
	unsubscribe := client.Subscribe(h)
	defer unsubscribe()

	if err := client.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", vadURL, err)
	}
	defer client.Disconnect()

	fmt.Fprintf(cmd.ErrOrStderr(), "streaming %s: %d Hz, %d bytes\n", args[0], info.SampleRate, info.DataSize)

	chunk := make([]byte, info.SampleRate*2*int(chunkInterval/time.Millisecond)/1000)
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	var total int
	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			total += n
			if sendErr := client.SendAudio(chunk[:n]); sendErr != nil {
				return fmt.Errorf("failed to send audio: %w", sendErr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case err := <-h.lost:
			return fmt.Errorf("VAD channel lost: %w", err)
		case <-ticker.C:
		}
	}

	// Give the server time to report a trailing speech end.
	select {
	case <-time.After(time.Second):
	case err := <-h.lost:
		return fmt.Errorf("VAD channel lost: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "finished streaming %d bytes\n", total)
	return nil
}
