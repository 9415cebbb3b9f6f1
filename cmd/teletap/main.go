// teletap subscribes to a station's topics and prints traffic.
// Meant for watching a live node from an operator laptop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mattn/go-isatty"
)

const (
	colorTopic = "\x1b[36m"
	colorFlag  = "\x1b[33m"
	colorReset = "\x1b[0m"
)

func main() {
	flagBroker := flag.String("broker", "tcp://localhost:1883", "")
	flagTopic := flag.String("topic", "#", "subscription filter")
	flagQos := flag.Int("qos", 1, "")
	flagUser := flag.String("username", "", "")
	flagPass := flag.String("password", "", "")
	flagID := flag.String("client-id", fmt.Sprintf("teletap-%d", os.Getpid()), "")
	flag.Parse()

	tty := isatty.IsTerminal(os.Stdout.Fd())

	opts := mqtt.NewClientOptions().
		AddBroker(*flagBroker).
		SetClientID(*flagID).
		SetUsername(*flagUser).
		SetPassword(*flagPass).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			fmt.Fprintf(os.Stderr, "teletap: connection lost: %v\n", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			t := c.Subscribe(*flagTopic, byte(*flagQos), func(_ mqtt.Client, m mqtt.Message) {
				printMsg(tty, m)
			})
			t.Wait()
			if err := t.Error(); err != nil {
				fmt.Fprintf(os.Stderr, "teletap: subscribe %s: %v\n", *flagTopic, err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "teletap: subscribed %s qos=%d\n", *flagTopic, *flagQos)
		})

	client := mqtt.NewClient(opts)
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		fmt.Fprintf(os.Stderr, "teletap: connect %s: %v\n", *flagBroker, t.Error())
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	client.Disconnect(250)
}

func printMsg(tty bool, m mqtt.Message) {
	stamp := time.Now().Format("15:04:05.000")
	flags := ""
	if m.Retained() {
		flags = " retained"
	}
	payload := formatPayload(m.Payload())
	if tty {
		fmt.Printf("%s %s%s%s%s%s%s %s\n",
			stamp, colorTopic, m.Topic(), colorReset,
			colorFlag, flags, colorReset, payload)
	} else {
		fmt.Printf("%s %s%s %s\n", stamp, m.Topic(), flags, payload)
	}
}

func formatPayload(b []byte) string {
	if utf8.Valid(b) && isPrintable(b) {
		return string(b)
	}
	return strconv.Quote(string(b))
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
