// Localized, human-readable status labels for API responses.
//
// Clients select a locale with the Accept-Language header; Romanian and
// English are supported, English being the fallback.
package handlers

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/opencivic/go-request-backend/internal/domain"
)

var supportedLocales = language.NewMatcher([]language.Tag{
	language.English, // fallback
	language.Romanian,
})

var statusLabels = map[language.Tag]map[domain.RequestStatus]string{
	language.English: {
		domain.StatusDraft:        "Draft",
		domain.StatusSubmitted:    "Submitted",
		domain.StatusUnderReview:  "Under review",
		domain.StatusAwaitingInfo: "Awaiting information",
		domain.StatusInApproval:   "In approval",
		domain.StatusApproved:     "Approved",
		domain.StatusRejected:     "Rejected",
		domain.StatusCancelled:    "Cancelled",
	},
	language.Romanian: {
		domain.StatusDraft:        "Ciorna",
		domain.StatusSubmitted:    "Depusa",
		domain.StatusUnderReview:  "In analiza",
		domain.StatusAwaitingInfo: "Asteapta informatii",
		domain.StatusInApproval:   "In aprobare",
		domain.StatusApproved:     "Aprobata",
		domain.StatusRejected:     "Respinsa",
		domain.StatusCancelled:    "Anulata",
	},
}

// localeOf resolves the response locale from the Accept-Language header.
func localeOf(c *gin.Context) language.Tag {
	accept := ""
	if c != nil && c.Request != nil {
		accept = c.GetHeader("Accept-Language")
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	tag, _, _ := supportedLocales.Match(tags...)
	base, _ := tag.Base()
	if base.String() == "ro" {
		return language.Romanian
	}
	return language.English
}

// StatusLabel returns the display label for a request status in the given
// locale, falling back to English and finally to the raw status value.
func StatusLabel(loc language.Tag, s domain.RequestStatus) string {
	if m, ok := statusLabels[loc]; ok {
		if l, ok := m[s]; ok {
			return l
		}
	}
	if l, ok := statusLabels[language.English][s]; ok {
		return l
	}
	return string(s)
}
