/* usbshare - share physical USB devices over the network
 *
 * The server program
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbshare/usbshare/internal/audit"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/identity"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/server"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, sharing local USB devices
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit

Options are:
    -bg          - run in background (ignored in debug mode)
    -conf <path> - use an alternate configuration file
`

type runMode int

const (
	runDebug runMode = iota
	runStandalone
	runCheck
)

type runParameters struct {
	mode       runMode
	background bool
	confPath   string
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() (params runParameters) {
	params.mode = runDebug
	params.confPath = config.PathConfDir + "/" + config.ConfFileName

	modes := 0
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.mode = runStandalone
			modes++
		case "debug":
			params.mode = runDebug
			modes++
		case "check":
			params.mode = runCheck
			modes++
		case "-bg":
			params.background = true
		case "-conf":
			if i+1 >= len(args) {
				usageError("-conf requires a path")
			}
			i++
			params.confPath = args[i]
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}
	if params.mode == runDebug {
		params.background = false
	}
	return
}

func main() {
	params := parseArgv()

	conf, err := config.LoadServerConfig(params.confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbshare-server: %s\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger()
	if params.mode == runDebug || params.mode == runCheck {
		if conf.ColorConsole {
			log.ToColorConsole()
		} else {
			log.ToConsole()
		}
	} else {
		log.ToFile(config.PathProgState+"/log", "usbshare-server")
		log.Cc(conf.LogConsole, logger.Console)
	}

	if params.mode == runCheck {
		log.Info(' ', "configuration file: OK")
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "usbshare-server: this program requires root privileges")
		os.Exit(1)
	}

	if params.background {
		if err := server.Daemon("-bg"); err != nil {
			fmt.Fprintf(os.Stderr, "usbshare-server: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.MkdirAll(config.PathLockDir, 0755)
	lockFile, err := os.OpenFile(config.PathLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.Error('!', "usbshare-server: %s", err)
		os.Exit(1)
	}
	defer lockFile.Close()

	if err := server.FileLock(lockFile, true, false); err != nil {
		if err == config.ErrLockIsBusy {
			log.Error('!', "usbshare-server: already running")
		} else {
			log.Error('!', "usbshare-server: %s", err)
		}
		os.Exit(1)
	}
	defer server.FileUnlock(lockFile)

	if params.mode != runDebug {
		if err := server.CloseStdInOutErr(); err != nil {
			log.Error('!', "usbshare-server: %s", err)
		}
	}

	id, err := identity.LoadOrCreate(config.PathKeyFile)
	if err != nil {
		log.Error('!', "usbshare-server: identity: %s", err)
		os.Exit(1)
	}

	sinkPath := conf.AuditLogPath
	if sinkPath == "" {
		sinkPath = config.PathAuditLog
	}
	sink, err := audit.NewFileSink(sinkPath)
	var auditSink audit.Sink = audit.NopSink{}
	if err != nil {
		log.Error('!', "usbshare-server: audit log disabled: %s", err)
	} else {
		auditSink = sink
		defer sink.Close()
	}

	srv, err := server.New(conf, id, auditSink, log)
	if err != nil {
		log.Error('!', "usbshare-server: %s", err)
		os.Exit(1)
	}

	log.Info(' ', "===============================")
	log.Info(' ', "usbshare-server started, pid=%d, endpoint=%s", os.Getpid(), id.Public.String())

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error('!', "usbshare-server: %s", err)
	}
	log.Info(' ', "usbshare-server finished")
}
