package llm

import (
	"fmt"
	"strings"
)

const classifySystem = `You analyze security news articles to find the ORIGINAL security reports they are based on.

You receive a JSON object {"items": [{"id", "url", "content"}]}. For every item decide one classification:
- "is-original-report": the article itself is the primary source (a vendor security blog post, an advisory, a researcher's write-up, a CVE entry or a proof-of-concept repository).
- "has-sources": the article reports on someone else's work. List the URLs that point at the original report(s): vendor security blogs, advisories, CVE entries, PoC repositories or researcher write-ups. Use only URLs that appear in the content. Do not list other news coverage, social media or homepages.
- "no-sources": the article reports on an issue but no original report can be identified.
- "error": the content is unusable (empty, paywalled, unrelated to security).

Respond ONLY with valid JSON, no markdown fences or additional text:
{"articles": [{"id": "<item id>", "classification": "<one of the above>", "securityReportLinks": ["<url>", ...]}]}
Return exactly one entry per input id. securityReportLinks must be empty unless classification is "has-sources".`

const summarizeSystemTemplate = `You summarize original security reports for a research digest.

You receive a JSON object {"items": [{"url", "content"}]}. Produce one report per item.

Domain of interest: %s
Reports that ARE in the domain, for example:
%s
Reports that are NOT in the domain, for example:
%s

Respond ONLY with valid JSON, no markdown fences or additional text:
{"reports": [{
  "url": "<item url, unchanged>",
  "title": "short title",
  "summary": "2-4 sentence summary",
  "attackMechanism": "how the attack or flaw works",
  "affectedSystems": ["product or component", ...],
  "noveltyFactor": "what is new compared to known techniques",
  "severity": "low|medium|high|critical",
  "discoveryDate": "YYYY-MM-DD or empty if unknown",
  "domainSpecific": true or false,
  "domainClassificationReasoning": "one sentence explaining domainSpecific"
}]}
Return exactly one report per input url.`

// Rubric describes the domain the summarizer classifies reports against.
type Rubric struct {
	Domain      string
	Affirmative []string
	Negative    []string
}

func (r Rubric) systemPrompt() string {
	return fmt.Sprintf(summarizeSystemTemplate, r.Domain, bullets(r.Affirmative), bullets(r.Negative))
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none given)"
	}
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(item)
	}
	return sb.String()
}
