package cmd

import (
	"context"
	"fmt"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects the school bot to discord and handles onboarding and levels",
		Long: "Opens the configured record store (json, sqlite, postgres or redis), " +
			"connects to the discord gateway, registers the guild's slash commands " +
			"and starts the admin API if it's enabled. Runs until interrupted.",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := runBot(cmd.Context(), cfg); err != nil {
				log.Fatal(err)
			}
		},
	}
)

// runBot creates and runs the bot for the given config. Errors name the
// store and guild the bot was started with.
func runBot(ctx context.Context, config *skolebot.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target := runTarget(config)
	bot, err := skolebot.New(config)
	if err != nil {
		return fmt.Errorf("error creating bot (%s): %w", target, err)
	}
	if err = bot.Run(ctx); err != nil {
		return fmt.Errorf("error running bot (%s): %w", target, err)
	}
	return nil
}

func runTarget(config *skolebot.Config) string {
	if config == nil || config.Store == nil {
		return "no store configured"
	}
	target := fmt.Sprintf("%s store", config.Store.Type)
	if config.Discord != nil && config.Discord.GuildID != "" {
		target += ", guild " + config.Discord.GuildID
	}
	return target
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
