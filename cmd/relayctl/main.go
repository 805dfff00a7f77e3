// Command relayctl writes a single control-FIFO command and exits. It is
// not the excluded terminal dashboard (afd_ctrl): one command, one write,
// no live view.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/relay/pkg/fifo"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// commandRecordSize matches pkg/manager's fixed control-FIFO record width.
const commandRecordSize = 32

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayctl COMMAND",
	Short: "Send one control command to a running relayd",
	Long:  usageLong(),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fifoPath, _ := cmd.Flags().GetString("fifo")
		if fifoPath == "" {
			return fmt.Errorf("--fifo is required")
		}

		cc, err := fifo.ParseCommand(strings.ToUpper(args[0]))
		if err != nil {
			return err
		}

		if err := send(fifoPath, cc); err != nil {
			return fmt.Errorf("send %s: %w", cc, err)
		}
		fmt.Printf("sent %s\n", cc)
		return nil
	},
}

func init() {
	rootCmd.Flags().String("fifo", "", "path to the command FIFO (required)")
}

func usageLong() string {
	var b strings.Builder
	b.WriteString("Valid commands:\n")
	for _, c := range fifo.ValidCommands {
		b.WriteString("  " + string(c) + "\n")
	}
	return b.String()
}

// send opens the FIFO write-only and writes one fixed-size, NUL-padded
// record, the wire format pkg/manager's drainCommand expects.
func send(path string, cc fifo.ControlCommand) error {
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	buf := make([]byte, commandRecordSize)
	copy(buf, []byte(cc))
	_, err = f.Write(buf)
	return err
}
