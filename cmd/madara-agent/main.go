// Command madara-agent is a demo front-end over the madara package: it
// constructs a single Agent bound to a concrete transport and drives it
// from a line-oriented command script on stdin, exercising the public
// surface end to end.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/madara-run/madara/checkpoint"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/madara"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/transport"
)

type cli struct {
	Run struct {
		ID        string `help:"Agent id." default:"0"`
		Transport string `enum:"udp,tcp,multicast,broadcast" default:"udp" help:"Transport binding to use."`
		Local     string `help:"Local bind address (udp/broadcast) or listen address (tcp)." default:"127.0.0.1:28100"`
		Peer      string `help:"Peer address (udp) or dial address (tcp)."`
		Iface     string `help:"Interface name for multicast." default:""`
		Group     string `help:"Multicast group address." default:"239.255.0.1:28100"`
		Domain    string `help:"Isolation domain." default:"madara"`
	} `cmd:"" help:"Start an agent and read set/get/wait commands from stdin."`

	Checkpoint struct {
		Load struct {
			Path  string `arg:"" help:"Checkpoint log file to replay."`
			Clear bool   `help:"Clear the context before replay."`
		} `cmd:"" help:"Replay a checkpoint log into a fresh context and print its contents."`
	} `cmd:"" help:"Checkpoint utilities."`
}

func main() {
	var c cli
	ktx := kong.Parse(&c, kong.Name("madara-agent"), kong.Description("MADARA demo agent."))

	log, _ := zap.NewProduction()
	defer log.Sync()

	var err error
	switch ktx.Command() {
	case "run":
		err = runAgent(c, log)
	case "checkpoint load <path>":
		err = loadCheckpoint(c.Checkpoint.Load.Path, c.Checkpoint.Load.Clear, log)
	default:
		err = fmt.Errorf("unknown command %q", ktx.Command())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runAgent(c cli, log *zap.Logger) error {
	s := settings.New()
	s.Domain = c.Run.Domain
	if id, err := strconv.ParseUint(c.Run.ID, 10, 32); err == nil {
		s.ID = uint32(id)
	}
	s.Type, s.Hosts = endpoints(c)

	binding, err := transport.NewBinding(s)
	if err != nil {
		return fmt.Errorf("construct transport: %w", err)
	}

	agent := madara.New(c.Run.ID, binding, s, log)
	agent.Start()
	defer agent.Stop()

	fmt.Fprintln(os.Stderr, "agent ready; commands: set <key> <int|double:v|str:v> [quality], get <key>, wait <seconds>, dump")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatch(agent, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	return scanner.Err()
}

func dispatch(agent *madara.Agent, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("usage: set <key> <value> [write_quality]")
		}
		rec, err := parseValue(fields[2])
		if err != nil {
			return err
		}
		quality := uint32(0)
		if len(fields) > 3 {
			q, err := strconv.ParseUint(fields[3], 10, 32)
			if err != nil {
				return err
			}
			quality = uint32(q)
		}
		agent.Set(fields[1], rec, quality, false)
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		rec := agent.Get(fields[1])
		fmt.Println(rec.String())
	case "wait":
		if len(fields) != 2 {
			return fmt.Errorf("usage: wait <seconds>")
		}
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		changed := agent.WaitForChange(time.Duration(secs * float64(time.Second)))
		fmt.Println("changed:", changed)
	case "dump":
		for name, rec := range agent.Context.Snapshot() {
			fmt.Printf("%s = %s\n", name, rec.String())
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

// parseValue accepts a bare integer or float literal, or an explicit
// str:<value> / double:<value> prefix to disambiguate numeric strings.
func parseValue(raw string) (knowledge.Record, error) {
	var rec knowledge.Record
	switch {
	case strings.HasPrefix(raw, "str:"):
		rec.SetString(strings.TrimPrefix(raw, "str:"))
	case strings.HasPrefix(raw, "double:"):
		v, err := strconv.ParseFloat(strings.TrimPrefix(raw, "double:"), 64)
		if err != nil {
			return rec, err
		}
		rec.SetDouble(v)
	default:
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.SetInteger(v)
		} else if v, err := strconv.ParseFloat(raw, 64); err == nil {
			rec.SetDouble(v)
		} else {
			rec.SetString(raw)
		}
	}
	return rec, nil
}

// endpoints maps the CLI flags onto the settings the transport factory
// consumes: a TransportType plus its Hosts endpoint list.
func endpoints(c cli) (settings.TransportType, []string) {
	switch c.Run.Transport {
	case "tcp":
		if c.Run.Peer != "" {
			return settings.TransportTCP, []string{c.Run.Local, c.Run.Peer}
		}
		return settings.TransportTCP, []string{c.Run.Local}
	case "multicast":
		if c.Run.Iface != "" {
			return settings.TransportMulticast, []string{c.Run.Group, c.Run.Iface}
		}
		return settings.TransportMulticast, []string{c.Run.Group}
	case "broadcast":
		return settings.TransportBroadcast, []string{c.Run.Local, c.Run.Peer}
	default:
		hosts := []string{c.Run.Local}
		if c.Run.Peer != "" {
			hosts = append(hosts, c.Run.Peer)
		}
		return settings.TransportUDP, hosts
	}
}

func loadCheckpoint(path string, clear bool, log *zap.Logger) error {
	ctx := knowledge.New("checkpoint-reader")
	applied, err := checkpoint.Load(path, ctx, clear)
	if err != nil {
		return err
	}
	log.Info("checkpoint replayed", zap.Int("applied", applied))
	for name, rec := range ctx.Snapshot() {
		fmt.Printf("%s = %s\n", name, rec.String())
	}
	return nil
}
