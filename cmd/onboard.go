package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/policy"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	fmt.Println("steward setup")
	fmt.Println()

	cfg := config.Default()

	var (
		workspace     = cfg.Agents.Defaults.Workspace
		openAIKey     string
		openRouterKey string
		model         = cfg.Agents.Defaults.Model

		enableWhatsApp bool
		enableTelegram bool
		telegramToken  string
		enableDiscord  bool
		discordToken   string

		whatsappOwner string
		telegramOwner string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the assistant keeps its notes and working files.").
				Value(&workspace),
			huh.NewInput().
				Title("Default model").
				Description("provider/model for assistant replies, e.g. anthropic/claude-opus-4-5").
				Value(&model),
			huh.NewInput().
				Title("OpenAI API key").
				Description("Used for TTS and the security classifier. Leave blank to set OPENAI_API_KEY later.").
				EchoMode(huh.EchoModePassword).
				Value(&openAIKey),
			huh.NewInput().
				Title("OpenRouter API key (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&openRouterKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Description("Requires the Node bridge; see the bridge README.").
				Value(&enableWhatsApp),
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&enableDiscord),
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Your WhatsApp id (owner)").
				Description("e.g. 4915123456789@s.whatsapp.net — admin commands answer only to owners.").
				Value(&whatsappOwner),
			huh.NewInput().
				Title("Your Telegram user id (owner)").
				Value(&telegramOwner),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println("setup cancelled")
		os.Exit(1)
	}

	cfg.Agents.Defaults.Workspace = workspace
	cfg.Agents.Defaults.Model = model
	cfg.Providers.OpenAI.APIKey = strings.TrimSpace(openAIKey)
	cfg.Providers.OpenRouter.APIKey = strings.TrimSpace(openRouterKey)
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp
	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Telegram.Token = strings.TrimSpace(telegramToken)
	cfg.Channels.Discord.Enabled = enableDiscord
	cfg.Channels.Discord.Token = strings.TrimSpace(discordToken)

	cfgPath := resolveConfigPath()
	if _, err := config.EnsureDir(filepath.Dir(cfgPath)); err != nil {
		fmt.Printf("could not create config directory: %s\n", err)
		os.Exit(1)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("could not write config: %s\n", err)
		os.Exit(1)
	}

	if err := seedPolicy(whatsappOwner, telegramOwner); err != nil {
		fmt.Printf("could not write policy: %s\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Printf("Policy written to %s\n", config.PolicyPath())
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  steward doctor    # verify the environment")
	fmt.Println("  steward           # start the gateway")
}

// seedPolicy creates the default policy on first run and records the
// owner ids. An existing policy only gains missing owners.
func seedPolicy(whatsappOwner, telegramOwner string) error {
	doc, created, err := policy.EnsureFile(config.PolicyPath())
	if err != nil {
		return err
	}
	if doc.Owners == nil {
		doc.Owners = map[string][]string{}
	}
	addOwner(doc, "whatsapp", whatsappOwner)
	addOwner(doc, "telegram", telegramOwner)
	if created {
		fmt.Println("seeded default policy (remote chats answer only when addressed)")
	}
	return policy.Save(config.PolicyPath(), doc)
}

func addOwner(doc *policy.Document, channel, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	for _, existing := range doc.Owners[channel] {
		if existing == id {
			return
		}
	}
	doc.Owners[channel] = append(doc.Owners[channel], id)
}
