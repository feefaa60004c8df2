// Command client joins a voice conference: it captures and compresses
// microphone audio, relays it through the hub, and mixes every other
// participant's stream into local playback.
//
// Usage: client <host_or_ip> <port>
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"
	"gopkg.in/hraban/opus.v2"

	"voxhub/internal/audio"
	"voxhub/internal/ring"
	"voxhub/internal/session"
	"voxhub/internal/speaker"
)

// sendRingBytes sizes the capture-to-sender ring. At the worst-case framed
// payload (~1.5 KB every 20 ms) this rides out network stalls of several
// hundred milliseconds without blocking the capture path.
const sendRingBytes = 64 << 10

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	bitrate := flags.Int("bitrate", 32, "Opus target bitrate in kbps")
	inputDevice := flags.Int("input-device", -1, "capture device index (-1 = system default)")
	outputDevice := flags.Int("output-device", -1, "playback device index (-1 = system default)")
	listDevices := flags.Bool("list-devices", false, "list audio devices and exit")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <host_or_ip> <port>\n\nFlags:\n%s", os.Args[0], flags.FlagUsages())
	}
	flags.Parse(os.Args[1:])

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := portaudio.Initialize(); err != nil {
		logger.Error("portaudio", "err", err)
		return 1
	}
	defer portaudio.Terminate()

	if *listDevices {
		return printDevices(logger)
	}

	args := flags.Args()
	if len(args) != 2 {
		flags.Usage()
		return 1
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port: %s\n", args[1])
		return 1
	}
	addr := net.JoinHostPort(args[0], args[1])

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		logger.Error("create encoder", "err", err)
		return 1
	}

	newDecoder := func() (speaker.Decoder, error) {
		return opus.NewDecoder(audio.SampleRate, audio.Channels)
	}
	registry := speaker.NewRegistry(audio.JitterDepth, newDecoder, logger.WithPrefix("speakers"))
	out := ring.New(sendRingBytes)

	sess, err := session.Dial(addr, registry, out, logger.WithPrefix("session"))
	if err != nil {
		logger.Error("connect", "err", err)
		return 1
	}
	defer sess.Close()

	engine := audio.NewEngine(enc, registry, out, logger.WithPrefix("audio"))
	engine.SetBitrate(*bitrate)
	if err := engine.Start(*inputDevice, *outputDevice); err != nil {
		logger.Error("audio", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sess.Run(ctx)

	// Teardown order: silence the devices, then drop the connection and
	// decoder state.
	engine.Stop()
	sess.Close()
	registry.Clear()

	if err != nil {
		logger.Error("session", "err", err)
		return 1
	}
	logger.Info("disconnected")
	return 0
}

// printDevices lists capture and playback devices with their indices.
func printDevices(logger *log.Logger) int {
	inputs, err := audio.ListInputDevices()
	if err != nil {
		logger.Error("list devices", "err", err)
		return 1
	}
	outputs, err := audio.ListOutputDevices()
	if err != nil {
		logger.Error("list devices", "err", err)
		return 1
	}
	fmt.Println("Input devices:")
	for _, d := range inputs {
		fmt.Printf("  [%d] %s\n", d.ID, d.Name)
	}
	fmt.Println("Output devices:")
	for _, d := range outputs {
		fmt.Printf("  [%d] %s\n", d.ID, d.Name)
	}
	return 0
}
