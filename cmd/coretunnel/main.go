package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/mobileci/coretunnel/tunnel"
)

const version = "local-build"

func main() {
	usage := fmt.Sprintf(`coretunnel %s

Multiplex TCP connections to an Apple device over an established
CoreDeviceProxy tunnel stream exposed at a local TCP address.

Usage:
  coretunnel info [options]
  coretunnel forward [options] <hostPort> <devicePort>
  coretunnel -h | --help
  coretunnel --version | version

Options:
  -v --verbose     Enable Debug Logging.
  -t --trace       Enable Trace Logging (dump every message).
  --nojson         Disable JSON output (default).
  --tunnel=<addr>  host:port where the CoreDeviceProxy stream is exposed. [default: 127.0.0.1:60105]
  --pcap=<file>    Write a pcap of all tunnel traffic to <file>.
  -h --help        Show this screen.

The commands work as following:
   coretunnel info [options]                                Performs the tunnel handshake and prints the negotiated parameters.
   coretunnel forward [options] <hostPort> <devicePort>     Forwards a local TCP port to a port on the device through the tunnel.
  `, version)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}
	disableJSON, _ := arguments.Bool("--nojson")
	if !disableJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if traceLevelEnabled, _ := arguments.Bool("--trace"); traceLevelEnabled {
		log.SetLevel(log.TraceLevel)
	} else if verboseLoggingEnabled, _ := arguments.Bool("--verbose"); verboseLoggingEnabled {
		log.SetLevel(log.DebugLevel)
	}

	if printVersion, _ := arguments.Bool("--version"); printVersion {
		fmt.Println(version)
		return
	}
	if versionCommand, _ := arguments.Bool("version"); versionCommand {
		fmt.Println(version)
		return
	}

	tunnelAddr, _ := arguments.String("--tunnel")

	if infoCommand, _ := arguments.Bool("info"); infoCommand {
		printTunnelInfo(tunnelAddr)
		return
	}

	if forwardCommand, _ := arguments.Bool("forward"); forwardCommand {
		hostPort, err := arguments.Int("<hostPort>")
		exitIfError("invalid host port", err)
		devicePort, err := arguments.Int("<devicePort>")
		exitIfError("invalid device port", err)
		pcapPath, _ := arguments.String("--pcap")
		runForward(tunnelAddr, hostPort, devicePort, pcapPath)
		return
	}
}

func printTunnelInfo(tunnelAddr string) {
	conn, err := net.Dial("tcp", tunnelAddr)
	exitIfError("could not reach tunnel stream", err)
	defer conn.Close()

	parameters, err := tunnel.ExchangeTunnelParameters(conn)
	exitIfError("tunnel handshake failed", err)

	out, err := json.MarshalIndent(parameters, "", "  ")
	exitIfError("could not encode tunnel parameters", err)
	fmt.Println(string(out))
}

func runForward(tunnelAddr string, hostPort int, devicePort int, pcapPath string) {
	conn, err := net.Dial("tcp", tunnelAddr)
	exitIfError("could not reach tunnel stream", err)

	parameters, err := tunnel.ExchangeTunnelParameters(conn)
	exitIfError("tunnel handshake failed", err)

	adapter, err := tunnel.NewAdapter(conn, parameters)
	exitIfError("could not start tunnel adapter", err)
	defer adapter.Close()

	if pcapPath != "" {
		exitIfError("could not start packet capture", adapter.PcapFile(pcapPath))
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", hostPort))
	exitIfError("could not listen on host port", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("hostPort", hostPort).WithField("devicePort", devicePort).
		Info("forwarding, press ctrl-c to stop")
	if err := adapter.ServeListener(ctx, listener, uint16(devicePort)); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("forwarding stopped")
	}
}

func exitIfError(msg string, err error) {
	if err != nil {
		log.WithError(err).Fatal(msg)
	}
}
