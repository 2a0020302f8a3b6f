package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/Laar/luadbg/pkg/config"
	"github.com/Laar/luadbg/pkg/logflags"
	"github.com/Laar/luadbg/service"
	"github.com/Laar/luadbg/service/dap"
	"github.com/Laar/luadbg/service/debugger"
)

const version string = "0.1.0"

var (
	addr         string
	log          bool
	logOutput    string
	ticks        int
	instrument   bool
	noHook       bool
	runningBreak int
)

func main() {
	// Main luadbg root command.
	rootCommand := &cobra.Command{
		Use:   "luadbg",
		Short: "Luadbg is a debugger for embedded Lua scripts.",
	}
	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "localhost:0", "Debug adapter listen address.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of log layers (dap,debugger,hook,guest).")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Luadbg version: " + version)
		},
	}
	rootCommand.AddCommand(versionCommand)

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run <script> [args...]",
		Short: "Run a Lua script under the debugger.",
		Long: `Starts a debug adapter server, waits for a client to finish its
breakpoint configuration, and then runs the script.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(cmd, args[0], args[1:]))
		},
	}
	runCommand.Flags().IntVarP(&ticks, "ticks", "t", 0, "Drive the script's on_tick callback this many times after the main chunk (negative for unbounded).")
	runCommand.Flags().BoolVarP(&instrument, "instrument", "", false, "Announce instrumented mode on attach.")
	runCommand.Flags().BoolVarP(&noHook, "nohook", "", false, "Attach passively without installing the line hook.")
	runCommand.Flags().IntVarP(&runningBreak, "running-break", "", 0, "Line events between interrupt checks while running.")
	rootCommand.AddCommand(runCommand)

	rootCommand.Execute()
}

// applyFlagOverrides lets explicit flags win over the config file and
// environment.
func applyFlagOverrides(conf *config.Config, fs *flag.FlagSet) {
	if fs.Changed("instrument") {
		conf.Instrument = instrument
	}
	if fs.Changed("nohook") {
		conf.NoHook = noHook
	}
	if fs.Changed("running-break") {
		conf.RunningBreak = runningBreak
	}
}

func execute(cmd *cobra.Command, script string, scriptArgs []string) int {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	conf := config.LoadConfig()
	applyFlagOverrides(conf, cmd.Flags())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Printf("couldn't start listener: %s\n", err)
		return 1
	}
	defer listener.Close()

	dbg, err := debugger.New(&debugger.Config{
		ScriptPath: script,
		ScriptArgs: scriptArgs,
		TickLimit:  ticks,
		Engine:     conf,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer dbg.Close()

	disconnectChan := make(chan struct{})
	server := dap.NewServer(&service.Config{
		Listener:       listener,
		Engine:         conf,
		DisconnectChan: disconnectChan,
	}, dbg)
	server.Run()
	fmt.Printf("DAP server listening at: %s\n", listener.Addr())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	// The script starts once the client sends configurationDone.
	select {
	case <-server.Start():
	case <-ch:
		server.Stop()
		return 2
	}

	server.ScriptExited(dbg.Run())

	select {
	case <-disconnectChan:
	case <-ch:
	}
	server.Stop()
	return 0
}
