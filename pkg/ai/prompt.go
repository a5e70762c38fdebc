package ai

import (
	"fmt"

	"github.com/udpchat/udpchat/pkg/store"
)

// BuildPrompt composes the chat-completion prompt: a persona system turn,
// the recent history, and either an improve-this-message instruction or a
// continue-the-conversation instruction.
func BuildPrompt(history []*store.MessageView, persona, content string) []Turn {
	prompt := []Turn{{
		Role: "system",
		Content: fmt.Sprintf(
			"You are participating in a group chat. Your goal is to respond "+
				"as if you are '%s', using a casual, human-like, friendly tone. ",
			persona),
	}}
	for _, m := range history {
		prompt = append(prompt, Turn{
			Role:    "user",
			Content: fmt.Sprintf("%s: %s", m.SenderName, m.Content),
		})
	}
	if content != "" {
		prompt = append(prompt, Turn{
			Role: "user",
			Content: fmt.Sprintf(
				"As %s, you're planning to send this message: '%s'. "+
					"Improve it to make it sound more natural, accurate, and "+
					"casual in this group chat context.",
				persona, content),
		})
	} else {
		prompt = append(prompt, Turn{
			Role: "user",
			Content: fmt.Sprintf(
				"Continue the chat as if you are %s. "+
					"Craft the next message that fits naturally into the "+
					"conversation, something user would like to say next. Do not "+
					"mention the name of the user you are pretending to be in "+
					"your response. Do not use long paragraphs, lists, or formal "+
					"language. Do not introduce yourself or sign messages. Do "+
					"not put your answer in quotes or brackets.",
				persona),
		})
	}
	return prompt
}
