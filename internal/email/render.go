package email

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/joshuapaschall/listhit/internal/models"
)

// hrefPattern matches absolute links in rendered HTML for click-through
// rewriting. Links already pointing at the tracking host are left alone.
var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// renderTemplate substitutes {token} placeholders with contact values.
func renderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// renderJob produces the final subject and HTML for one queue job:
// personalization tokens, link rewriting through the tracking redirect, and
// the compliance footer with the unsubscribe link.
func renderJob(job *models.QueueJob, baseURL string) (subject, html, unsubscribeURL string) {
	data := map[string]string{
		"first_name": job.FirstName,
		"last_name":  job.LastName,
		"email":      job.Email,
	}
	subject = renderTemplate(job.Subject, data)
	html = renderTemplate(job.Body, data)
	html = rewriteLinks(html, baseURL, job.CampaignID, job.ContactID)

	unsubscribeURL = fmt.Sprintf("%s/unsubscribe?c=%s&m=%s",
		strings.TrimRight(baseURL, "/"), url.QueryEscape(job.ContactID), url.QueryEscape(job.CampaignID))
	html += fmt.Sprintf(
		`<p style="font-size:12px;color:#888">You received this email because you asked to hear about new listings. <a href="%s">Unsubscribe</a></p>`,
		unsubscribeURL)
	return subject, html, unsubscribeURL
}

// rewriteLinks routes outbound links through the click tracker so opens and
// clicks attribute back to the campaign and contact.
func rewriteLinks(html, baseURL, campaignID, contactID string) string {
	base := strings.TrimRight(baseURL, "/")
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		target := hrefPattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(target, base+"/") || target == base {
			return match
		}
		return fmt.Sprintf(`href="%s/l?u=%s&m=%s&c=%s"`,
			base, url.QueryEscape(target), url.QueryEscape(campaignID), url.QueryEscape(contactID))
	})
}
