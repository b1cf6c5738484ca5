// Package prompts selects the instruction text that governs response
// generation for a conversation, keyed by the source tag carried on the
// first message of a batch.
package prompts

import "strings"

// systemPrompts maps a source tag to the instruction turn sent ahead of
// the conversation history. "default" must always exist.
var systemPrompts = map[string]string{
	"default": "You are an SMS assistant for the Performance Center gym. " +
		"Tone: casual, upbeat, human, like a personal trainer texting. Never pushy. " +
		"Keep every reply under 2 sentences. Never use emojis. " +
		"Ask simple yes/no or short-answer questions. " +
		"If they reply STOP, acknowledge and end the conversation. " +
		"Read the conversation history and never repeat an offer already made. " +
		"Never invent offers that are not in these instructions.",

	"reactivation": "You are an SMS assistant running a reactivation campaign for past gym leads. " +
		"The contact was already texted about a membership raffle; they enter by replying GETFIT in all caps. " +
		"Answer raffle questions, confirm entry only on an exact GETFIT reply, then offer the free 30-day intro. " +
		"If they decline, thank them warmly and end the conversation. " +
		"Keep every reply under 2 sentences, no emojis, never pushy.",

	"referral": "You are an SMS assistant following up with a referred lead. " +
		"They get referral pricing and priority booking. Your goal is to book a visit. " +
		"Keep every reply under 2 sentences, no emojis, friendly and direct.",

	"website_form": "You are an SMS assistant following up on a website enquiry about the gym. " +
		"Answer questions about the facility and membership options, and offer to book a tour. " +
		"Keep every reply under 2 sentences, no emojis.",

	"event_expo": "You are an SMS assistant following up with a lead met at an event. " +
		"Event pricing is available for a limited time; your goal is to book a visit while it lasts. " +
		"Keep every reply under 2 sentences, no emojis.",

	"cold_outreach": "You are an SMS assistant introducing the gym to a cold lead. " +
		"Lead with the free 30-day trial and answer questions briefly. " +
		"If they are not interested, thank them and end the conversation. " +
		"Keep every reply under 2 sentences, no emojis.",
}

// firstMessages maps a source tag to the opening message template.
// {{contact.first_name}} is replaced by FirstMessage.
var firstMessages = map[string]string{
	"default":       "Hi {{contact.first_name}}! This is the Performance Center. Happy to answer any questions — what can I help with?",
	"reactivation":  "Hey {{contact.first_name}}, we're giving away annual memberships. Reply GETFIT to enter — takes 2 seconds.",
	"referral":      "Hi {{contact.first_name}}! Thanks for being referred to us — you get special pricing. When's a good time to come see the gym?",
	"website_form":  "Hi {{contact.first_name}}! Thanks for your interest in the Performance Center. What would you like to know?",
	"event_expo":    "Hi {{contact.first_name}}! Great meeting you at the event. Event pricing is live for a limited time — want to come in for a look?",
	"cold_outreach": "Hi {{contact.first_name}}! We're the Performance Center in Hunt Valley. Want to try us out with a free 30-day trial?",
}

// SystemPrompt returns the instruction text for a source tag.
// Matching order: exact, case-insensitive, then partial (a known tag
// contained in the given value, so "referral_campaign_q3" still maps to
// "referral"). Unknown or empty tags get the default prompt.
func SystemPrompt(sourceTag string) string {
	tag := strings.TrimSpace(sourceTag)
	if tag == "" {
		return systemPrompts["default"]
	}

	if p, ok := systemPrompts[tag]; ok {
		return p
	}

	for key, p := range systemPrompts {
		if strings.EqualFold(key, tag) {
			return p
		}
	}

	lower := strings.ToLower(tag)
	for key, p := range systemPrompts {
		if key != "default" && strings.Contains(lower, strings.ToLower(key)) {
			return p
		}
	}

	return systemPrompts["default"]
}

// FirstMessage returns the opening message for a source tag with the
// contact's first name substituted. Same matching rules as SystemPrompt.
func FirstMessage(sourceTag, firstName string) string {
	tag := strings.ToLower(strings.TrimSpace(sourceTag))
	tmpl, ok := firstMessages[tag]
	if !ok {
		for key, m := range firstMessages {
			if key != "default" && strings.Contains(tag, key) {
				tmpl = m
				ok = true
				break
			}
		}
	}
	if !ok {
		tmpl = firstMessages["default"]
	}

	name := strings.TrimSpace(firstName)
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(tmpl, "{{contact.first_name}}", name)
}

// Sources lists the known source tags (for the config echo endpoint).
func Sources() []string {
	out := make([]string, 0, len(systemPrompts))
	for k := range systemPrompts {
		out = append(out, k)
	}
	return out
}
