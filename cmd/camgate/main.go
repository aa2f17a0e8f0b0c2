// camgate is the management CLI for the face authentication daemon.
// Enrollment, training and embedding management all go through the
// daemon socket so the daemon keeps exclusive camera ownership.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/camgate/camgate/pkg/config"
	"github.com/camgate/camgate/pkg/proto"
	"github.com/camgate/camgate/pkg/store"
)

var (
	socketPath string

	trainLabel string
	trainNew   bool

	removeLabel string
)

func client() *proto.Client {
	return &proto.Client{SocketPath: socketPath}
}

// defaultUsername resolves the invoking user, preferring the user
// behind sudo over root itself.
func defaultUsername() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func usernameArg(args []string) (string, error) {
	username := defaultUsername()
	if len(args) > 0 {
		username = args[0]
	}
	if !store.ValidIdentifier(username) {
		return "", fmt.Errorf("invalid username %q", username)
	}
	return username, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func promptLabel() (string, error) {
	fmt.Print("Label for this enrollment (e.g. glasses, beard) [default]: ")
	reader := bufio.NewReader(os.Stdin)
	label, _ := reader.ReadString('\n')
	label = strings.TrimSpace(label)
	if label == "" {
		label = "default"
	}
	if !store.ValidIdentifier(label) {
		return "", fmt.Errorf("invalid label %q", label)
	}
	return label, nil
}

func existingLabels(username string) []string {
	resp, err := client().Send(proto.CmdListEmbeddings, username)
	if err != nil || !strings.HasPrefix(resp, "Labels: ") {
		return nil
	}
	return strings.Fields(strings.TrimPrefix(resp, "Labels: "))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "camgate",
		Short:         "Manage face authentication",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "daemon socket path")

	root.AddCommand(newAddCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [user]",
		Short: "Enroll a user's face",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := usernameArg(args)
			if err != nil {
				return err
			}

			fmt.Println("Look at the camera...")
			resp, err := client().Send(proto.CmdAddUser, username)
			if err != nil {
				return err
			}
			if resp != proto.RespEnrollSuccess {
				return fmt.Errorf("enrollment failed: %s", strings.TrimPrefix(resp, proto.RespEnrollFail+" "))
			}

			label, err := promptLabel()
			if err != nil {
				return err
			}
			for _, existing := range existingLabels(username) {
				if existing == label {
					if !confirm(fmt.Sprintf("Label %q already exists, overwrite?", label)) {
						return fmt.Errorf("aborted")
					}
					break
				}
			}

			resp, err = client().Send(proto.CmdSetLabel, username, label)
			if err != nil {
				return err
			}
			if resp != proto.RespLabelSet {
				return fmt.Errorf("saving enrollment failed: %s", resp)
			}
			fmt.Printf("Enrolled %s as %q\n", username, label)
			return nil
		},
	}
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train [user]",
		Short: "Improve recognition with a fresh capture",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := usernameArg(args)
			if err != nil {
				return err
			}
			if trainLabel != "" && !store.ValidIdentifier(trainLabel) {
				return fmt.Errorf("invalid label %q", trainLabel)
			}

			command := proto.CmdTrainUser
			if trainNew {
				command = proto.CmdTrainNew
			}
			sendArgs := []string{command, username}
			if trainLabel != "" {
				sendArgs = append(sendArgs, trainLabel)
			}

			fmt.Println("Look at the camera...")
			resp, err := client().Send(sendArgs...)
			if err != nil {
				return err
			}
			if resp != proto.RespTrainSuccess {
				return fmt.Errorf("training failed")
			}
			fmt.Println("Training complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&trainLabel, "label", "", "embedding label to refine or create")
	cmd.Flags().BoolVar(&trainNew, "new", false, "add a new embedding instead of refining")
	return cmd
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [user]",
		Short: "Check cameras and optionally try an authentication",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := usernameArg(args)
			if err != nil {
				return err
			}
			if username != defaultUsername() && os.Geteuid() != 0 {
				return fmt.Errorf("testing another user requires root")
			}

			resp, err := client().Send(proto.CmdTestAuth, username)
			if err != nil {
				return err
			}
			fmt.Println(resp)
			if !strings.Contains(resp, proto.RespAuthSuccess) {
				return fmt.Errorf("authentication test failed")
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [user]",
		Short: "List enrolled embeddings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := usernameArg(args)
			if err != nil {
				return err
			}
			resp, err := client().Send(proto.CmdListEmbeddings, username)
			if err != nil {
				return err
			}
			if resp == proto.RespNoEmbeddings {
				fmt.Printf("No embeddings for %s\n", username)
				return nil
			}
			fmt.Printf("Embeddings for %s:\n", username)
			for _, label := range strings.Fields(strings.TrimPrefix(resp, "Labels: ")) {
				fmt.Printf("  %s\n", label)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [user]",
		Short: "Remove an embedding by label",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := usernameArg(args)
			if err != nil {
				return err
			}
			if removeLabel == "" {
				return fmt.Errorf("--label is required")
			}
			resp, err := client().Send(proto.CmdRemoveEmbedding, username, removeLabel)
			if err != nil {
				return err
			}
			if resp != proto.RespRemoved {
				return fmt.Errorf("no embedding %q for %s", removeLabel, username)
			}
			fmt.Printf("Removed %q for %s\n", removeLabel, username)
			return nil
		},
	}
	cmd.Flags().StringVar(&removeLabel, "label", "", "label to remove")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show daemon version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Send(proto.CmdGetVersion)
			if err != nil {
				fmt.Printf("camgate %s (daemon not reachable)\n", proto.Version)
				return nil
			}
			fmt.Println(resp)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
