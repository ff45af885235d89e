package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samuelwildary2025/novo-agente/internal/gateway"
)

func chatCmd() *cobra.Command {
	var (
		phone   string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent directly (same path as POST /message)",
		Long:  "Generate replies without WhatsApp: no buffering, no pacing, nothing is sent. With -m, prints one reply and exits; otherwise starts a REPL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(phone, message)
		},
	}
	cmd.Flags().StringVarP(&phone, "telefone", "t", "5500000000000", "conversation phone number")
	cmd.Flags().StringVarP(&message, "message", "m", "", "single message (non-interactive)")
	return cmd
}

func runChat(phone, message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	gen, err := buildAgent(cfg, stores)
	if err != nil {
		return err
	}
	engine := gateway.NewEngine(ctx, gateway.EngineConfig{Stores: stores, Generator: gen})

	if message != "" {
		res, err := engine.Direct(ctx, phone, message)
		if err != nil {
			return err
		}
		fmt.Println(res.Reply)
		return nil
	}

	fmt.Fprintf(os.Stderr, "\nnovo-agente chat — model %s, telefone %s\n", gen.Model(), phone)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nTchau!")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "Você: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Tchau!")
			return nil
		}

		res, err := engine.Direct(ctx, phone, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Erro: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", res.Reply)
	}
}
