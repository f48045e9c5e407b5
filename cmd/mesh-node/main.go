package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/client"
	"github.com/Archie3d/lora-mesh-node/pkg/mesh"
	"github.com/Archie3d/lora-mesh-node/pkg/radio"
	"github.com/Archie3d/lora-mesh-node/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func usage(flags *pflag.FlagSet) {
	fmt.Println("LoRa Mesh Node")
	flags.PrintDefaults()
}

func main() {
	flags := pflag.NewFlagSet("mesh-node", pflag.ExitOnError)
	flags.Usage = func() { usage(flags) }
	flags.StringP("config", "c", "", "Configuration file")
	flags.StringP("port", "p", "", "Serial port of the Waveshare modem")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("nats-url", "", "NATS server URL")
	flags.Bool("sim", false, "Run on a simulated radio instead of the modem")
	flags.Int("sim-peers", 2, "Number of simulated peer nodes")
	flags.Duration("sim-interval", 200*time.Millisecond, "Simulated airtime per frame")
	showHelp := flags.BoolP("help", "h", false, "Show help")

	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	if *showHelp {
		usage(flags)
		os.Exit(0)
	}

	// Every flag can also come from a MESHNODE_* environment variable.
	v := viper.New()
	v.SetEnvPrefix("MESHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal(err)
	}

	config := mesh.DefaultNodeConfiguration()
	if configFile := v.GetString("config"); configFile != "" {
		var err error
		if config, err = mesh.LoadNodeConfiguration(configFile); err != nil {
			log.Fatal("Failed to load configuration", "file", configFile, "err", err)
		}
	}

	if level := v.GetString("log-level"); level != "" {
		config.LogLevel = level
	}
	if url := v.GetString("nats-url"); url != "" {
		config.NatsUrl = url
	}

	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatal("Invalid log level", "level", config.LogLevel)
	}
	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if v.GetBool("sim") {
		err = runSimulation(ctx, config, v.GetInt("sim-peers"), v.GetDuration("sim-interval"))
	} else {
		err = runModem(ctx, config, v.GetString("port"))
	}

	if err != nil {
		log.Fatal(err)
	}
}

func runModem(ctx context.Context, config *mesh.NodeConfiguration, port string) error {
	if port == "" {
		return fmt.Errorf("serial port is not specified")
	}

	api := client.NewApiClient()
	if err := api.Open(port); err != nil {
		return fmt.Errorf("failed to open %s: %w", port, err)
	}
	defer api.Close()

	node := mesh.NewNode(config, radio.NewWaveshare(api, config.Radio))
	if err := node.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	// Make sure we turn the radio off
	return node.Stop()
}

// runSimulation runs the configured node together with peers on an
// in-memory ether. The peers share the node's message bus settings under
// their own subject prefixes.
func runSimulation(ctx context.Context, config *mesh.NodeConfiguration, peers int, interval time.Duration) error {
	ether := radio.NewEther(config.Radio.LoRa())

	nodes := []*mesh.Node{
		mesh.NewNode(config, ether.NewRadio("local")),
	}

	for i := range peers {
		peer := *config
		peer.NodeNum = types.Unassigned
		peer.MacAddress = config.MacAddress
		peer.MacAddress[5] += byte(i + 1)
		peer.LongName = fmt.Sprintf("Simulated %d", i+1)
		peer.ShortName = fmt.Sprintf("S%d", i+1)
		peer.NatsSubjectPrefix = fmt.Sprintf("%s.sim%d", config.NatsSubjectPrefix, i+1)
		peer.Database.Path = ""
		peer.Mqtt = nil

		nodes = append(nodes, mesh.NewNode(&peer, ether.NewRadio(peer.LongName)))
	}

	for _, node := range nodes {
		if err := node.Start(); err != nil {
			return err
		}
		defer node.Stop()
	}

	log.With("peers", peers, "interval", interval).Info("Simulation running")

	ether.Run(ctx, interval)

	return nil
}
