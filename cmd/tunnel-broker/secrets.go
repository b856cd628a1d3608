package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/postalsys/tunnel-broker/internal/transport"
)

func certCmd() *cobra.Command {
	var (
		certFile string
		keyFile  string
		hosts    []string
		days     int
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed certificate for the agent listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return errors.New("--days must be positive")
			}
			validFor := time.Duration(days) * 24 * time.Hour
			if err := transport.GenerateAndSaveCert(certFile, keyFile, hosts, validFor); err != nil {
				return err
			}
			fmt.Printf("Certificate: %s\n", certFile)
			fmt.Printf("Key:         %s\n", keyFile)
			fmt.Printf("Hosts:       %s\n", strings.Join(hosts, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "broker.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "broker.key", "Private key output path")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "Host names and IPs the certificate is valid for")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")

	return cmd
}

func hashTokenCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Hash an agent token for broker.token_hash",
		Long: `Read a token from the terminal (or one line from stdin) and print its
bcrypt hash, suitable for the broker.token_hash setting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret("Token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return errors.New("empty token")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
