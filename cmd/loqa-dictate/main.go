package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'start', 'stop', 'clear', 'listen', 'stream', 'validate' or 'version'"

type busFlags struct {
	servers string
	device  string
	timeout time.Duration
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.servers, "server", "nats://localhost:4222", "Comma separated NATS server URLs")
	fs.StringVar(&b.device, "device", "local", "Device id")
	fs.DurationVar(&b.timeout, "timeout", 2*time.Second, "Request timeout")
}

func (b *busFlags) connect() (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(config.BusConfig{
		Servers:        strings.Split(b.servers, ","),
		ConnectTimeout: int(b.timeout.Milliseconds()),
	}, "loqa-dictate", logger)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case protocol.ActionStart, protocol.ActionStop, protocol.ActionClear:
		err = runControl(cmd, os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "stream":
		err = runStream(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runControl(action string, args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	bf.register(fs)
	fs.Parse(args)

	client, err := bf.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.ControlReply
	if err := client.RequestJSON(protocol.ControlSubject(bf.device), protocol.ControlCommand{Action: action}, &reply, bf.timeout); err != nil {
		return fmt.Errorf("%s %s: %w", action, bf.device, err)
	}
	if !reply.OK {
		return fmt.Errorf("%s %s: %s (state %s)", action, bf.device, reply.Error, reply.State)
	}
	fmt.Printf("%s state=%s session=%s\n", bf.device, reply.State, reply.SessionID)
	return nil
}

// runListen prints transcripts and status changes for a device until
// interrupted.
func runListen(args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	bf.register(fs)
	fs.Parse(args)

	client, err := bf.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs := make(chan *nats.Msg, 64)
	for _, subject := range []string{
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptFinal,
		protocol.SubjectSessionStatus,
	} {
		if _, err := client.Conn().ChanSubscribe(subject, msgs); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if line, ok := formatEvent(msg.Subject, msg.Data, bf.device); ok {
				fmt.Println(line)
			}
		}
	}
}

func formatEvent(subject string, data []byte, device string) (string, bool) {
	if subject == protocol.SubjectSessionStatus {
		var status protocol.SessionStatus
		if json.Unmarshal(data, &status) != nil || status.DeviceID != device {
			return "", false
		}
		line := fmt.Sprintf("[status] %s", status.State)
		if status.Reason != "" {
			line += " reason=" + status.Reason
		}
		if status.Error != "" {
			line += " error=" + status.Error
		}
		return line, true
	}

	var transcript protocol.Transcript
	if json.Unmarshal(data, &transcript) != nil || transcript.DeviceID != device {
		return "", false
	}
	if transcript.Partial {
		return fmt.Sprintf("[partial] %s", transcript.Text), true
	}
	return fmt.Sprintf("[final:%s] %s", transcript.Reason, transcript.Text), true
}

func runStream(args []string) error {
	var (
		bf   busFlags
		file string
		pace bool
	)
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	bf.register(fs)
	fs.StringVar(&file, "file", "", "Path to a 16-bit PCM WAV file")
	fs.BoolVar(&pace, "realtime", true, "Publish frames at playback speed")
	fs.Parse(args)
	if file == "" {
		return errors.New("stream requires -file")
	}

	frames, err := loadWAVFrames(file, bf.device, 100*time.Millisecond)
	if err != nil {
		return err
	}

	client, err := bf.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.AudioFrameSubject(bf.device)
	for _, frame := range frames {
		if err := client.PublishJSON(subject, frame); err != nil {
			return fmt.Errorf("frame %d: %w", frame.Sequence, err)
		}
		if pace {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Printf("streamed %d frames to %s\n", len(frames), subject)
	return nil
}

func runValidate(args []string) error {
	var path string
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&path, "config", "loqa-dictation.yaml", "Path to configuration file")
	fs.Parse(args)

	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}
