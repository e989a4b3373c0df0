package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	"github.com/dougsko/k4d/pkg/client"
	"github.com/dougsko/k4d/pkg/protocol"
)

var (
	server  = flag.StringP("server", "s", "localhost:8000", "k4d address (host:port or URL)")
	jsonOut = flag.BoolP("json", "j", false, "Print raw JSON")
)

func main() {
	flag.Usage = showHelp
	flag.SetInterspersed(false)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		showHelp()
		return
	}

	api := client.NewAPIClient(*server)
	if err := run(api, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(api *client.APIClient, cmd string, args []string) error {
	switch strings.ToLower(cmd) {
	case "status":
		status, err := api.GetStatus()
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(status)
		}
		printStatus(status)

	case "radios":
		list, err := api.ListRadios()
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(list)
		}
		printRadios(list)

	case "add":
		rc, err := parseRadio(args)
		if err != nil {
			return err
		}
		added, err := api.AddRadio(rc)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", added.Name, added.ID)

	case "remove", "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: remove <radio-id>")
		}
		if err := api.RemoveRadio(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])

	case "activate":
		if len(args) != 1 {
			return fmt.Errorf("usage: activate <radio-id>")
		}
		rc, err := api.Activate(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Connected to %s at %s\n", rc.Name, rc.Address())

	case "deactivate":
		if err := api.Deactivate(); err != nil {
			return err
		}
		fmt.Println("Deactivated")

	case "cat":
		if len(args) == 0 {
			return fmt.Errorf("usage: cat <command;>")
		}
		text := strings.Join(args, "")
		if !strings.HasSuffix(text, ";") {
			text += ";"
		}
		sent, err := api.SendCAT(text)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", sent)

	case "commands":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		cmds, err := api.ListCommands(prefix)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(cmds)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, c := range cmds {
			sub := ""
			if c.Sub {
				sub = "$"
			}
			fmt.Fprintf(w, "%s%s\t%s\n", c.Mnemonic, sub, c.Label)
		}
		w.Flush()

	default:
		showHelp()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func parseRadio(args []string) (protocol.RadioConfig, error) {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	name := fs.String("name", "", "Radio name")
	host := fs.String("host", "", "Radio host or IP")
	port := fs.Int("port", protocol.DefaultPort, "Radio TCP port")
	password := fs.String("password", "", "Radio password")
	description := fs.String("description", "", "Description")
	disabled := fs.Bool("disabled", false, "Store the radio disabled")
	if err := fs.Parse(args); err != nil {
		return protocol.RadioConfig{}, err
	}
	if *name == "" || *host == "" {
		return protocol.RadioConfig{}, fmt.Errorf("usage: add --name <name> --host <host> [--port 9205] [--password <pw>]")
	}
	return protocol.RadioConfig{
		Name:        *name,
		Host:        *host,
		Port:        *port,
		Password:    *password,
		Description: *description,
		Enabled:     !*disabled,
	}, nil
}

func printStatus(s *protocol.Status) {
	active := s.ActiveRadio
	if active == "" {
		active = "none"
	}
	fmt.Printf("k4d %s, up %s\n", s.Version, s.Uptime)
	fmt.Printf("Radio:      %s\n", active)
	fmt.Printf("Connection: %s (%s)\n", s.Connection.Indicator, s.Connection.State)
	if s.Connection.LastError != "" {
		fmt.Printf("Last error: %s\n", s.Connection.LastError)
	}
	if s.AudioMode != "" {
		fmt.Printf("Audio:      %s\n", s.AudioMode)
	}
	fmt.Printf("PTT:        %v\n", s.PTT)
	fmt.Printf("Clients:    %d\n", s.Clients)
}

func printRadios(list *client.RadioList) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tADDRESS\tENABLED\tLAST CONNECTED")
	for _, rc := range list.Radios {
		mark := ""
		if rc.ID == list.ActiveID {
			mark = "*"
		}
		last := "-"
		if rc.LastConnected != nil {
			last = rc.LastConnected.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", mark, rc.ID, rc.Name, rc.Address(), rc.Enabled, last)
	}
	w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showHelp() {
	fmt.Println("k4ctl - k4d control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command> [args]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -s, --server <addr>   k4d address (default: localhost:8000)")
	fmt.Println("  -j, --json            Print raw JSON")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                         Show daemon and connection status")
	fmt.Println("  radios                         List configured radios (* = active)")
	fmt.Println("  add --name N --host H [...]    Add a radio")
	fmt.Println("  remove <id>                    Remove a radio")
	fmt.Println("  activate <id>                  Connect to a radio")
	fmt.Println("  deactivate                     Disconnect the active radio")
	fmt.Println("  cat <command;>                 Send a CAT command")
	fmt.Println("  commands [prefix]              List CAT commands")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s add --name Shack --host 192.168.1.10\n", os.Args[0])
	fmt.Printf("  %s cat FA00014074000;\n", os.Args[0])
	fmt.Printf("  %s commands BW\n", os.Args[0])
}
