// Command itelexsrv runs one i-Telex directory server instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/itelexsrv/itelexsrv/pkg/itelexsrv"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var em map[string]string
	if pflag.NArg() == 0 {
		em = itelexsrv.OSEnvOverrides(os.LookupEnv)
	} else {
		var err error
		if em, err = readEnv(pflag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var c itelexsrv.Config
	if err := c.UnmarshalEnv(em); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := configureLogging(c.LogLevelTerm, c.LogFilePath, c.LogLevelFile)

	s, err := itelexsrv.NewServer(&c, log)
	if err != nil {
		log.Error().Err(err).Msg("initialize server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("run server")
		os.Exit(1)
	}
}

// readEnv parses an env file with github.com/hashicorp/go-envparse, the same
// library the teacher uses for its own optional env-file argument.
func readEnv(name string) (map[string]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return envparse.Parse(f)
}

// configureLogging builds a console-plus-optional-file zerolog.Logger,
// grounded on the teacher's configureLogging (pkg/atlas/server.go): a
// zerolog.ConsoleWriter for the terminal at termLevel, and, if filePath is
// set, a second writer at fileLevel appending to that file. Unlike the
// teacher's version this doesn't support SIGHUP log-file reopening, since
// this server has no equivalent reload path.
func configureLogging(termLevel zerolog.Level, filePath string, fileLevel zerolog.Level) zerolog.Logger {
	var writers []io.Writer
	writers = append(writers, levelWriter{zerolog.ConsoleWriter{Out: os.Stderr}, termLevel})

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file %q: %v\n", filePath, err)
		} else {
			writers = append(writers, levelWriter{f, fileLevel})
		}
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// levelWriter drops any log event below level before it reaches w, letting
// the console and file writers run at independent verbosities from one
// shared logger.
type levelWriter struct {
	w     io.Writer
	level zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.level {
		return len(p), nil
	}
	return lw.w.Write(p)
}
