/* usbshare - share physical USB devices over the network
 *
 * The client program
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbshare/usbshare/internal/client"
	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/identity"
	"github.com/usbshare/usbshare/internal/logger"
)

const usageText = `Usage:
    %s [options]

Options are:
    -debug       - logs duplicated on console
    -conf <path> - use an alternate configuration file
`

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

type runParameters struct {
	debug    bool
	confPath string
}

func parseArgv() (params runParameters) {
	params.confPath = config.PathConfDir + "/usbshare-client.conf"

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-h", "-help", "--help":
			usage()
		case "-debug":
			params.debug = true
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
	return
}

func main() {
	params := parseArgv()

	conf, err := config.LoadClientConfig(params.confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbshare-client: %s\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger()
	if params.debug {
		if conf.ColorConsole {
			log.ToColorConsole()
		} else {
			log.ToConsole()
		}
	} else {
		log.ToFile(config.PathProgState+"/log", "usbshare-client")
		log.Cc(conf.LogConsole, logger.Console)
	}

	id, err := identity.LoadOrCreate(config.PathProgState + "/client-endpoint.key")
	if err != nil {
		log.Error('!', "usbshare-client: identity: %s", err)
		os.Exit(1)
	}

	c, err := client.New(conf, id, log)
	if err != nil {
		log.Error('!', "usbshare-client: %s", err)
		os.Exit(1)
	}

	log.Info(' ', "===============================")
	log.Info(' ', "usbshare-client started, pid=%d, endpoint=%s", os.Getpid(), id.Public.String())

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		log.Error('!', "usbshare-client: %s", err)
	}
	log.Info(' ', "usbshare-client finished")
}
