// Command rcon joins a relay as a regular client, logs into the remote
// console and runs the command given on the command line:
//
//	RCON_PASSWORD=... rcon kick 3 griefing
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/blukai/rorrelay/internal/relayclient"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Addr           string        `envconfig:"ADDR" required:"true" default:"127.0.0.1:12000"`
	Nickname       string        `envconfig:"NICKNAME" default:"rcon"`
	ServerPassword string        `envconfig:"SERVER_PASSWORD"`
	Password       string        `envconfig:"PASSWORD" required:"true"`
	Timeout        time.Duration `envconfig:"TIMEOUT" default:"5s"`
	Verbose        bool          `envconfig:"VERBOSE" default:"false"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("RCON", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(verbose bool) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.WarnLevel
	if verbose {
		logger.Level = log.DebugLevel
	}
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	command := strings.TrimSpace(strings.Join(os.Args[1:], " "))
	if command == "" {
		return errors.New("usage: rcon <command> [args...]")
	}

	logger := configureLogger(config.Verbose)

	client, err := relayclient.NewClient("tcp", config.Addr, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	client.SetRecvTimeout(config.Timeout)

	err = client.Handshake(relayclient.Credentials{
		Nickname: config.Nickname,
		Password: config.ServerPassword,
	})
	if err != nil {
		return fmt.Errorf("could not join: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	reply, err := client.RconLogin(config.Password)
	if err != nil {
		return fmt.Errorf("could not log in: %w", err)
	}
	switch reply {
	case protocol.MsgRconLoginSuccess:
	case protocol.MsgRconLoginNotAvailable:
		return errors.New("remote console is not available")
	default:
		return errors.New("wrong remote console password")
	}

	out, err := client.RconCommand(command)
	if err != nil {
		return err
	}
	fmt.Println(out)

	if err := client.Leave(); err != nil {
		logger.Debug().Msgf("could not leave cleanly: %v", err)
	}
	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
