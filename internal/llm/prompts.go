package llm

import (
	"fmt"
	"strings"

	"github.com/sells-group/lead-pipeline/internal/model"
)

const (
	maxPageChars    = 6000
	maxSubPageChars = 3000
)

const classifySystem = `You decide whether a business is an independent local business or part of a franchise or national chain.
Respond with only a JSON object: {"viable": true|false, "reason": "<one sentence>"}.
"viable" is false for franchises, chains, corporate locations, directories, and government offices.`

const scoreSystem = `You are a web design consultant auditing a small business website.
Score the website from 1 (no usable site) to 10 (modern, fast, mobile-friendly, clear calls to action).
Respond with only a JSON object:
{"score": <1-10>, "summary": "<two sentences>", "problems": ["<problem>", ...], "criteria_scores": {"design": <1-10>, "mobile": <1-10>, "content": <1-10>, "conversion": <1-10>, "trust": <1-10>}}`

const siteSystem = `You are a web designer building a one-page website for a local business.
Return a single complete HTML5 document with inline CSS inside one html code block. No external scripts.
Use the business's real name, phone, address, services, and images when provided. Never invent reviews or prices.`

const messageSystem = `You write short, friendly WhatsApp messages offering a free website redesign to a local business owner.
Keep it under 600 characters, plain text, no markdown, no placeholders. Mention the business by name.
Return only the message text.`

func classifyPrompt(name, website, category string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business name: %s\n", name)
	if category != "" {
		fmt.Fprintf(&b, "Category: %s\n", category)
	}
	if website != "" {
		fmt.Fprintf(&b, "Website: %s\n", website)
	}
	return b.String()
}

func pageBlock(page *model.PageContent) string {
	if page == nil || !page.Reachable() {
		return "The website could not be reached.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Site type: %s\n", page.SiteType)
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	if page.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", page.Description)
	}
	if page.LogoURL != "" {
		fmt.Fprintf(&b, "Logo: %s\n", page.LogoURL)
	}
	if len(page.Images) > 0 {
		fmt.Fprintf(&b, "Images: %s\n", strings.Join(page.Images[:min(len(page.Images), 8)], ", "))
	}
	if len(page.SocialLinks) > 0 {
		fmt.Fprintf(&b, "Social: %s\n", strings.Join(page.SocialLinks, ", "))
	}
	if len(page.Emails) > 0 {
		fmt.Fprintf(&b, "Emails: %s\n", strings.Join(page.Emails, ", "))
	}
	fmt.Fprintf(&b, "\nVisible text:\n%s\n", truncate(page.VisibleText, maxPageChars))
	if page.SubPagesText != "" {
		fmt.Fprintf(&b, "\nOther pages:\n%s\n", truncate(page.SubPagesText, maxSubPageChars))
	}
	return b.String()
}

func scorePrompt(url string, page *model.PageContent) string {
	return fmt.Sprintf("Website: %s\n\n%s", url, pageBlock(page))
}

func businessBlock(info model.BusinessInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", info.Name)
	if info.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", info.Category)
	}
	if info.City != "" {
		fmt.Fprintf(&b, "City: %s\n", info.City)
	}
	if info.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", info.Address)
	}
	if info.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", info.Phone)
	}
	if info.Website != "" {
		fmt.Fprintf(&b, "Current website: %s\n", info.Website)
	}
	if info.Rating > 0 {
		fmt.Fprintf(&b, "Rating: %.1f\n", info.Rating)
	}
	return b.String()
}

func sitePrompt(info model.BusinessInfo, page *model.PageContent) string {
	return businessBlock(info) + "\nExisting website content:\n" + pageBlock(page)
}

func messagePrompt(info model.BusinessInfo, language string) string {
	var b strings.Builder
	b.WriteString(businessBlock(info))
	if info.SiteURL != "" {
		fmt.Fprintf(&b, "Preview of the new site we built: %s\n", info.SiteURL)
	}
	if info.Score != nil {
		fmt.Fprintf(&b, "Their current website scored %d/10.\n", *info.Score)
	}
	if language != "" {
		fmt.Fprintf(&b, "\nWrite the message in language code %q.\n", language)
	}
	return b.String()
}
