package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/spf13/pflag"

	"github.com/Allen1801/google-docs-clone/client"
	"github.com/Allen1801/google-docs-clone/protocol"
	"github.com/Allen1801/google-docs-clone/textdoc"
	"github.com/Allen1801/google-docs-clone/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("type"),
	readline.PcItem("ins"),
	readline.PcItem("del"),
	readline.PcItem("sel"),

	readline.PcItem("title"),
	readline.PcItem("who"),
	readline.PcItem("show"),
	readline.PcItem("save"),
	readline.PcItem("reconnect"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func defaultURL() string {
	if url := os.Getenv("DOCS_SERVER_URL"); url != "" {
		return url
	}
	return "ws://localhost:1234/ws"
}

const usage = `commands:
  type <text>        append text at the end of the document
  ins <index> <text> insert text at index
  del <index> [n]    delete n characters (default 1) at index
  sel <anchor> [head] move the cursor / select a range
  title <text>       rename the document
  who                list the other participants
  show               print the document
  save <file>        write the document text to a file
  reconnect          drop the connection and rejoin fresh
  exit | quit        leave the room`

func main() {
	url := pflag.String("url", defaultURL(), "relay websocket endpoint (DOCS_SERVER_URL env)")
	room := pflag.String("room", "", "document id to join (required)")
	name := pflag.String("name", "", "display name; derived from the client id if empty")
	pflag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "--room is required")
		os.Exit(2)
	}

	log := utils.NewDefaultLogger(slog.LevelWarn)
	doc := textdoc.New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, *url, *room, doc, log, &client.NameOpt{Name: *name})
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = c.WaitReady(waitCtx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "no init reply from the server:", err.Error())
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "✎ ",
		HistoryFile:     os.TempDir() + "/docs_client_history.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	c.OnTitle(func(title string) {
		fmt.Fprintf(rl, "* title is now %q\n", title)
	})
	c.OnPresence(func(peers []protocol.PresenceRecord) {
		fmt.Fprintf(rl, "* %d other participant(s) here\n", len(peers))
	})

	fmt.Fprintf(rl, "joined %q as %s (version %d, title %q)\n%s\n",
		*room, c.Name(), c.Version(), c.Title(), usage)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}

		cmd, rest := splitCommand(line)
		if cmd == "" {
			continue
		}
		if cmd == "exit" || cmd == "quit" {
			break
		}
		if err := run(c, rl, cmd, rest); err != nil {
			fmt.Fprintln(rl, "error:", err.Error())
		}
	}
}

func docLen(c *client.Client) int {
	n := 0
	c.ReadDocument(func(d client.Document) {
		n = d.(*textdoc.Doc).Len()
	})
	return n
}

func docText(c *client.Client) string {
	text := ""
	c.ReadDocument(func(d client.Document) {
		text = d.(*textdoc.Doc).Text()
	})
	return text
}

func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		return line[:ws], strings.TrimSpace(line[ws:])
	}
	return line, ""
}

func run(c *client.Client, out io.Writer, cmd, rest string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(out, usage)

	case "type":
		end := docLen(c)
		if err := c.Edit(textdoc.InsertSteps(end, rest)...); err != nil {
			return err
		}
		end = docLen(c)
		c.SetSelection(end, end)

	case "ins":
		idxStr, text := splitCommand(rest)
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return fmt.Errorf("usage: ins <index> <text>")
		}
		if err := c.Edit(textdoc.InsertSteps(idx, text)...); err != nil {
			return err
		}

	case "del":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return fmt.Errorf("usage: del <index> [n]")
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("usage: del <index> [n]")
		}
		n := 1
		if len(fields) > 1 {
			if n, err = strconv.Atoi(fields[1]); err != nil {
				return fmt.Errorf("usage: del <index> [n]")
			}
		}
		if err := c.Edit(textdoc.DeleteSteps(idx, n)...); err != nil {
			return err
		}

	case "sel":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return fmt.Errorf("usage: sel <anchor> [head]")
		}
		anchor, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("usage: sel <anchor> [head]")
		}
		head := anchor
		if len(fields) > 1 {
			if head, err = strconv.Atoi(fields[1]); err != nil {
				return fmt.Errorf("usage: sel <anchor> [head]")
			}
		}
		c.SetSelection(anchor, head)

	case "title":
		if rest == "" {
			fmt.Fprintf(out, "%q\n", c.Title())
			return nil
		}
		c.SetTitle(rest)

	case "who":
		peers := c.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(out, "nobody else is here")
			return nil
		}
		for _, p := range peers {
			sel := "no cursor"
			if p.Selection != nil {
				sel = fmt.Sprintf("at %d..%d", p.Selection.Anchor, p.Selection.Head)
			}
			fmt.Fprintf(out, "  %s (%s) %s\n", p.Name, p.Color, sel)
		}

	case "show":
		fmt.Fprintf(out, "%q (version %d)\n%s\n", c.Title(), c.Version(), docText(c))

	case "save":
		if rest == "" {
			return fmt.Errorf("usage: save <file>")
		}
		text := docText(c)
		if err := os.WriteFile(rest, []byte(text), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %d bytes to %s\n", len(text), rest)

	case "reconnect":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Reconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "rejoined")

	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}
