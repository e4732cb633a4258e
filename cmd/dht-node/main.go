package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"mixnet-dht/internal/dht"
	"mixnet-dht/internal/node"
	"mixnet-dht/internal/proto"
)

func main() {
	bind := flag.String("bind", ":0", "bind address (e.g. :0 for random port)")
	dataDir := flag.String("datadir", "", "data directory (identity + peer cache)")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated bootstrap addresses host:port")
	transit := flag.Bool("transit", true, "serve DHT queries for other peers")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	var bootstraps []string
	for _, part := range strings.Split(*bootstrapStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			bootstraps = append(bootstraps, part)
		}
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	app, err := node.New(node.Config{
		DataDir:    *dataDir,
		Bind:       *bind,
		Bootstraps: bootstraps,
		Transit:    *transit,
		Debug:      *debug,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("create node: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("start node: %v", err)
	}
	defer app.Close()

	fmt.Printf("dht key: %s\n", app.Key().Hex())
	fmt.Printf("listening on %s\n", app.Addr())
	fmt.Println("commands: lookup <hexkey> | findtag <tag> | peers | pending | quit")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "lookup":
			if len(fields) != 2 {
				fmt.Println("usage: lookup <hexkey>")
				continue
			}
			target, err := dht.ParseKeyHex(fields[1])
			if err != nil {
				fmt.Printf("bad key: %v\n", err)
				continue
			}
			app.DHT().LookupRouterJob(&dht.RouterLookupJob{
				Target: target,
				Hook: func(j *dht.RouterLookupJob) {
					if !j.Found {
						fmt.Printf("%s not found\n", j.Target.Hex())
						return
					}
					fmt.Printf("%s -> %v\n", j.Target.Hex(), j.Result.Addrs)
				},
			})

		case "findtag":
			if len(fields) != 2 {
				fmt.Println("usage: findtag <tag>")
				continue
			}
			tag := proto.TagFromString(fields[1])
			app.DHT().LookupIntroByTag(tag, func(values []*proto.IntroSet) {
				if len(values) == 0 {
					fmt.Printf("no introsets for tag %q\n", tag.String())
					return
				}
				for _, is := range values {
					fmt.Printf("%s (%d intros)\n", is.Addr().Hex(), len(is.Intros))
				}
			})

		case "peers":
			fmt.Printf("%d peers in bucket, %d sessions\n",
				app.DHT().NumPeers(), app.NumSessions())

		case "pending":
			fmt.Printf("%d pending transactions\n", app.DHT().NumPending())

		case "quit", "exit":
			return

		default:
			fmt.Println("commands: lookup <hexkey> | findtag <tag> | peers | pending | quit")
		}
	}
}
