package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/namsral/flag"

	"github.com/aminovpavel/lorapipe/internal/app"
	"github.com/aminovpavel/lorapipe/internal/config"
	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
)

type printed struct {
	Topic     string          `json:"topic"`
	DevEUI    string          `json:"dev_eui"`
	App       string          `json:"app_name"`
	FCnt      *int64          `json:"fcnt"`
	FPort     *int64          `json:"fport"`
	Timestamp string          `json:"ts,omitempty"`
	DataHex   string          `json:"data_hex"`
	DataText  string          `json:"data_text,omitempty"`
	DataJSON  json.RawMessage `json:"data_json,omitempty"`
	RSSI      *float64        `json:"rssi_dbm,omitempty"`
	SNR       *float64        `json:"snr_db,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml (defaults to config.yaml in cwd)")
		count      = flag.Int("count", 0, "Exit after this many decoded uplinks (0 = run until interrupted)")
	)
	flag.Parse()

	cfg, err := config.New(*configPath)
	if err != nil {
		log.Fatalf("lorapipe-smoke: load config: %v", err)
	}

	mqttCfg := app.BuildMQTTConfig(cfg)
	mqttCfg.ClientID = fmt.Sprintf("lorapipe-smoke-%d", time.Now().UnixNano())

	client, err := mqtt.NewClient(mqttCfg)
	if err != nil {
		log.Fatalf("lorapipe-smoke: create client: %v", err)
	}
	decoder := decode.NewUplinkDecoder(app.BuildDecoderConfig(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("lorapipe-smoke: start client: %v", err)
	}
	defer client.Stop()

	log.Printf("connected to %s, subscribed to %s", mqttCfg.BrokerURL(), mqttCfg.SubscriptionTopic())

	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	decoded := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled, exiting")
			return
		case msg, ok := <-client.Messages():
			if !ok {
				log.Printf("messages channel closed")
				return
			}
			up, err := decoder.Decode(ctx, msg)
			if err != nil {
				log.Printf("SKIP topic=%s size=%d: %v", msg.Topic, len(msg.Payload), err)
				continue
			}
			if err := enc.Encode(toPrinted(up)); err != nil {
				log.Printf("encode: %v", err)
			}
			decoded++
			if *count > 0 && decoded >= *count {
				return
			}
		case err, ok := <-client.Errors():
			if ok {
				log.Printf("ERR %v", err)
			}
		case <-ticker.C:
			log.Printf("state=%s, %d uplinks decoded so far", client.State(), decoded)
		}
	}
}

func toPrinted(up decode.Uplink) printed {
	p := printed{
		Topic:    up.Topic,
		DevEUI:   up.DevEUI,
		App:      up.ApplicationName,
		FCnt:     up.FCnt,
		FPort:    up.FPort,
		DataHex:  up.Payload.Hex,
		DataText: up.Payload.Text,
		DataJSON: up.Payload.JSON,
		RSSI:     up.RSSI,
		SNR:      up.SNR,
	}
	switch {
	case !up.Timestamp.Time.IsZero():
		p.Timestamp = up.Timestamp.Time.Format(time.RFC3339Nano)
	case up.Timestamp.Raw != "":
		p.Timestamp = up.Timestamp.Raw
	}
	return p
}
