package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Webfinger resolves "acct:user@host" for a local user with an identity.
func (s *Server) Webfinger(ctx context.Context, resource string) (map[string]any, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return nil, false
	}
	user, host, found := strings.Cut(acct, "@")
	if user == "" || (found && host != s.instanceHost()) {
		return nil, false
	}

	km, err := s.keys.Identity(ctx, user)
	if err != nil {
		return nil, false
	}

	profile := s.codec.UserURI(user)
	return map[string]any{
		"subject": "acct:" + user + "@" + s.instanceHost(),
		"aliases": []string{profile, km.Identifier},
		"links": []map[string]string{
			{"rel": "self", "type": "application/activity+json", "href": profile},
			{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": profile},
		},
	}, true
}

func (s *Server) instanceHost() string {
	u, err := url.Parse(s.codec.InstanceURL())
	if err != nil {
		return ""
	}
	return u.Host
}

func (s *Server) handleWebfinger(c *gin.Context) {
	resp, ok := s.Webfinger(c.Request.Context(), c.Query("resource"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, resp)
}
