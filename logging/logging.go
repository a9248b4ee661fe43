// Package logging builds the pair of loggers used by the model fitting code:
// a message log for progress and warnings, and a parameter log that receives
// formatted parameter reports.
package logging

import (
	"errors"
	"io"
	"log"
	"os"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output is written.  When Prefix is empty both
// logs go to standard error.  Otherwise the files <Prefix>_msg.log and
// <Prefix>_par.log are written and rotated.
type Config struct {
	Prefix     string `yaml:"prefix"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

// Loggers holds the message and parameter loggers.
type Loggers struct {

	// Msg receives time-stamped progress messages
	Msg *log.Logger

	// Par receives parameter reports, without any prefix
	Par *log.Logger

	closers []io.Closer
}

// New returns loggers configured by cfg.
func New(cfg Config) *Loggers {

	if cfg.Prefix == "" {
		return &Loggers{
			Msg: log.New(os.Stderr, "", log.Ltime),
			Par: log.New(os.Stderr, "", 0),
		}
	}

	msg := rotated(cfg, cfg.Prefix+"_msg.log")
	par := rotated(cfg, cfg.Prefix+"_par.log")

	return &Loggers{
		Msg:     log.New(msg, "", log.Ltime),
		Par:     log.New(par, "", 0),
		closers: []io.Closer{msg, par},
	}
}

func rotated(cfg Config, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   name,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
}

// Discard returns loggers that drop everything.
func Discard() *Loggers {
	return &Loggers{
		Msg: log.New(io.Discard, "", 0),
		Par: log.New(io.Discard, "", 0),
	}
}

// Close closes any log files.
func (l *Loggers) Close() error {

	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil

	return errors.Join(errs...)
}

// NewBar returns a progress bar over max steps, written to standard error
// when show is set and silent otherwise.
func NewBar(show bool, max int, desc string) *progressbar.ProgressBar {
	if !show {
		return progressbar.DefaultSilent(int64(max), desc)
	}
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(desc))
}
