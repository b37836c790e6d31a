package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config   string `short:"c" help:"Config file path (default: ./deepresearch.toml)" type:"path"`
	LogLevel string `help:"Override log level (debug, info, warn, error)"`

	Init    InitCmd    `cmd:"" help:"Write a starter deepresearch.toml"`
	Serve   ServeCmd   `cmd:"" help:"Serve the chat API over HTTP"`
	Ask     AskCmd     `cmd:"" help:"Run one research turn and print the reply"`
	Chat    ChatCmd    `cmd:"" help:"Interactive research chat in the terminal"`
	Threads ThreadsCmd `cmd:"" help:"List, show or delete stored threads"`
	Models  ModelsCmd  `cmd:"" help:"List models known to the catalog"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// InitCmd writes a config file from the defaults.
type InitCmd struct {
	Output     string `short:"o" default:"deepresearch.toml" help:"Config file to write"`
	Provider   string `help:"LLM provider (inferred from the model when empty)"`
	Model      string `help:"Research and supervisor model"`
	SmallModel string `help:"Model for webpage summaries"`
	Search     string `enum:"tavily,perplexity,brave" default:"tavily" help:"Search backend"`
	Storage    string `enum:"memory,file,sqlite" default:"file" help:"Thread storage backend"`
	Force      bool   `help:"Overwrite an existing file"`
}

// ServeCmd runs the HTTP façade.
type ServeCmd struct {
	Addr    string `help:"Listen address (overrides server.addr)"`
	Tailnet string `help:"Serve on the tailnet under this hostname (overrides server.tailnet_hostname)"`
}

// AskCmd runs a single turn.
type AskCmd struct {
	Message string `arg:"" help:"Research request"`
	Thread  string `short:"t" help:"Continue this thread (answer a clarifying question)"`
	Pager   bool   `short:"p" help:"Open the report in the pager"`
	JSON    bool   `help:"Print the reply as JSON"`
}

// ChatCmd opens the terminal chat view.
type ChatCmd struct {
	Thread string `short:"t" help:"Resume this thread"`
}

// ThreadsCmd inspects the thread store.
type ThreadsCmd struct {
	Show   string `help:"Print one thread's log"`
	Delete string `help:"Delete a thread"`
	Report string `help:"Open a completed thread's report in the pager"`
}

// ModelsCmd lists catalog models.
type ModelsCmd struct {
	Provider string `arg:"" optional:"" help:"Only this provider"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
