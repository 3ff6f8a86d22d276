package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
	"blocked":   ":no_entry_sign:",
	"stopped":   ":octagonal_sign:",
	"error":     ":rotating_light:",
}

var statusLabel = map[string]string{
	"completed": "Run Complete",
	"failed":    "Run Failed",
	"blocked":   "Run Blocked",
	"stopped":   "Run Stopped",
	"error":     "Run Error",
}

var alertLabel = map[string]string{
	"budget_breaker":   "Budget Breaker Tripped",
	"stage_aborted":    "Stage Aborted",
	"git_merge_failed": "Git Merge Failed",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/sessions/%s", dashboardURL, sessionID)
}

// BuildRunFinishedMessage creates Block Kit blocks for a terminal run
// notification.
func BuildRunFinishedMessage(input RunFinishedInput, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Run " + input.Status
	}

	var blocks []goslack.Block

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if input.Objective != "" {
		headerText += fmt.Sprintf("\n_%s_", truncateForSlack(input.Objective))
	}
	blocks = append(blocks, goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
		nil, nil,
	))

	if input.Reply != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(input.Reply), false, false),
			nil, nil,
		))
	}

	summary := fmt.Sprintf("Stages %d/%d · Cost $%.2f", input.StagesDone, input.StagesTotal, input.CostUSD)
	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, summary, false, false),
	))

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Session", false, false))
		btn.URL = sessionURL(input.SessionID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

// BuildAlertMessage creates Block Kit blocks for an orchestrator alert.
func BuildAlertMessage(input AlertInput, dashboardURL string) []goslack.Block {
	label := alertLabel[input.Kind]
	if label == "" {
		label = input.Kind
	}

	text := fmt.Sprintf(":warning: *%s*", label)
	if input.StageID != "" {
		text += fmt.Sprintf(" (stage %s)", input.StageID)
	}
	if input.Message != "" {
		text += "\n" + truncateForSlack(input.Message)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Session", false, false))
		btn.URL = sessionURL(input.SessionID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated — see session details)_"
}
