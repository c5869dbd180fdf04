// Command mqtt_publisher simulates FlowGuard drain sensors against a local
// broker so the bridge can be exercised end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// SensorReading is the payload a FlowGuard node publishes.
type SensorReading struct {
	DeviceID string  `json:"device_id"`
	Depth    float64 `json:"depth"`
	Rain     float64 `json:"rain"`
	Blockage bool    `json:"blockage"`
	Status   string  `json:"status"`
}

type sensor struct {
	ID       string
	Interval time.Duration
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	topic := flag.String("topic", "flowguard/sensors", "topic to publish on")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous, malformed, invalid")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("flowguard-sim-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to broker: %s\n", *broker)
	defer client.Disconnect(250)

	switch *mode {
	case "single":
		publishReading(client, *topic, "flowguard-node-001")
	case "batch":
		for i := 1; i <= 10; i++ {
			publishReading(client, *topic, fmt.Sprintf("flowguard-node-%03d", i))
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Println("batch published")
	case "malformed":
		for _, payload := range []string{`not json`, `[1,2,3]`, `{"device_id":"flowguard-node-001",`, "\xc3\x28"} {
			publish(client, *topic, []byte(payload))
		}
	case "invalid":
		publish(client, *topic, []byte(`{"device_id":"flowguard-node-001","depth":12.5}`))
		publish(client, *topic, []byte(`{"virus":"payload"}`))
	case "continuous":
		runContinuous(client, *topic)
	default:
		fmt.Println("unknown mode, use single, batch, continuous, malformed or invalid")
		os.Exit(1)
	}
}

func randomReading(deviceID string) SensorReading {
	depth := rand.Float64() * 120
	status := "normal"
	switch {
	case depth > 100:
		status = "critical"
	case depth > 70:
		status = "warning"
	}
	return SensorReading{
		DeviceID: deviceID,
		Depth:    float64(int(depth*10)) / 10,
		Rain:     float64(int(rand.Float64()*500)) / 10,
		Blockage: rand.Intn(10) == 0,
		Status:   status,
	}
}

func publishReading(client paho.Client, topic, deviceID string) {
	data, err := json.Marshal(randomReading(deviceID))
	if err != nil {
		fmt.Printf("failed to encode reading: %v\n", err)
		return
	}
	publish(client, topic, data)
}

func publish(client paho.Client, topic string, payload []byte) {
	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("publish failed: %v\n", token.Error())
		return
	}
	fmt.Printf("[%s] published: %q\n", time.Now().Format("15:04:05"), payload)
}

func runContinuous(client paho.Client, topic string) {
	sensors := []sensor{
		{ID: "flowguard-node-001", Interval: 5 * time.Second},
		{ID: "flowguard-node-002", Interval: 8 * time.Second},
		{ID: "flowguard-node-003", Interval: 12 * time.Second},
	}

	for _, s := range sensors {
		go func(s sensor) {
			for {
				publishReading(client, topic, s.ID)
				time.Sleep(s.Interval)
			}
		}(s)
		fmt.Printf("sensor %s reports every %v\n", s.ID, s.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("disconnecting...")
}
