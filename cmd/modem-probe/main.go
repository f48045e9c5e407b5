package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Archie3d/lora-mesh-node/pkg/client"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

func main() {
	port := pflag.StringP("port", "p", "", "Serial port of the Waveshare modem")
	samples := pflag.IntP("samples", "n", 5, "Number of RSSI readings")
	pflag.Parse()

	if *port == "" {
		pflag.PrintDefaults()
		os.Exit(1)
	}

	api := client.NewApiClient()
	if err := api.Open(*port); err != nil {
		log.Fatal("Failed to open port", "port", *port, "err", err)
	}
	defer api.Close()

	res, err := api.SendRequest(&client.Version{}, time.Second)
	if err != nil {
		log.Fatal("Failed to read version", "err", err)
	}
	fmt.Printf("Version: %v\n", res)

	if _, err := api.SendRequest(&client.SwitchToRx{}, time.Second); err != nil {
		log.Fatal("Failed to switch to RX", "err", err)
	}

	for range *samples {
		res, err := api.SendRequest(&client.InstantaneousRSSI{}, time.Second)
		if err != nil {
			log.With("err", err).Warn("Failed to read RSSI")
			continue
		}

		if rssi, ok := res.(*client.InstantaneousRSSI); ok {
			fmt.Printf("RSSI: %d dBm\n", rssi.RSSI_dBm)
		}

		time.Sleep(500 * time.Millisecond)
	}

	if _, err := api.SendRequest(&client.Standby{StandbyMode: client.STANDBY_XOSC}, time.Second); err != nil {
		log.With("err", err).Warn("Failed to put modem in standby")
	}
}
