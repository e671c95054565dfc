// Package instagram talks to Instagram's private web and mobile APIs:
// profile lookup, GraphQL follower pagination, mobile feed and comments.
// All requests go through the hedged outbound client, rotate cookies from
// the dynamic pool, and are paced by the randomized rate limiter.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/httpclient"
)

const (
	igAppID = "936619743392459"
	asbdID  = "129477"

	queryHashFollowers  = "c76146de99bb02f6415203be841dd25a"
	queryHashFollowings = "d04b0a864b4b54837c0d870b0e77e076"

	mobileUserAgent = "Mozilla/5.0 (Linux; Android 11; SM-G991B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36"
)

// Client is the Instagram API client.
type Client struct {
	http     *httpclient.Client
	rotator  *Rotator
	limiter  *Limiter
	breakers *circuitbreaker.Manager
	cfg      config.ScrapeConfig
	log      zerolog.Logger

	// Overridable in tests.
	webBase    string
	mobileBase string
}

func NewClient(
	hc *httpclient.Client,
	rotator *Rotator,
	limiter *Limiter,
	breakers *circuitbreaker.Manager,
	cfg config.ScrapeConfig,
	log zerolog.Logger,
) *Client {
	return &Client{
		http:       hc,
		rotator:    rotator,
		limiter:    limiter,
		breakers:   breakers,
		cfg:        cfg,
		log:        log.With().Str("component", "instagram").Logger(),
		webBase:    "https://www.instagram.com",
		mobileBase: "https://i.instagram.com",
	}
}

// SetBaseURLs points the client at alternative API hosts. Tests use it
// to target fixture servers.
func (c *Client) SetBaseURLs(webBase, mobileBase string) {
	c.webBase = webBase
	c.mobileBase = mobileBase
}

// get performs one GET through the breaker for the given service and
// decodes the JSON body into out.
func (c *Client) get(ctx context.Context, service circuitbreaker.ServiceType, endpoint, rawURL string, header http.Header, out interface{}) error {
	result, err := c.breakers.Execute(service, func() (interface{}, error) {
		return c.http.Do(ctx, &httpclient.Request{
			Method:   http.MethodGet,
			URL:      rawURL,
			Header:   header,
			Endpoint: endpoint,
		})
	})
	if err != nil {
		return err
	}

	resp := result.(*httpclient.Response)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeUnexpectedShape, "decoding "+endpoint+" response", err)
	}
	return nil
}

// webHeaders builds desktop-web headers for a rotated session. The cookie
// travels in the Cookie header; the csrftoken claim is mirrored from it.
func webHeaders(s Session) http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.UserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("X-IG-App-ID", igAppID)
	h.Set("Cookie", canonicalCookie(s.Cookie))
	return h
}

func mobileHeaders(s Session) http.Header {
	csrf := CookieValue(s.Cookie, "csrftoken")
	if csrf == "" {
		csrf = "missing"
	}
	h := http.Header{}
	h.Set("User-Agent", mobileUserAgent)
	h.Set("Accept", "*/*")
	h.Set("Referer", "https://www.instagram.com/")
	h.Set("X-IG-App-ID", igAppID)
	h.Set("X-ASBD-ID", asbdID)
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("X-CSRFToken", csrf)
	h.Set("X-IG-WWW-Claim", "0")
	h.Set("Cookie", canonicalCookie(s.Cookie))
	return h
}

// canonicalCookie re-joins the cookie pairs with "; " separators,
// dropping malformed fragments.
func canonicalCookie(cookie string) string {
	pairs := CookiePairs(cookie)
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p[0]+"="+p[1])
	}
	return strings.Join(parts, "; ")
}

type webProfileResponse struct {
	Data struct {
		User *struct {
			ID            string `json:"id"`
			Username      string `json:"username"`
			FullName      string `json:"full_name"`
			Biography     string `json:"biography"`
			ExternalURL   string `json:"external_url"`
			IsPrivate     bool   `json:"is_private"`
			IsVerified    bool   `json:"is_verified"`
			IsBusiness    bool   `json:"is_business_account"`
			ProfilePicURL string `json:"profile_pic_url"`
			ProfilePicHD  string `json:"profile_pic_url_hd"`

			EdgeFollowedBy *struct {
				Count int64 `json:"count"`
			} `json:"edge_followed_by"`
			EdgeFollow *struct {
				Count int64 `json:"count"`
			} `json:"edge_follow"`
			EdgeTimelineMedia *struct {
				Count int64 `json:"count"`
				Edges []struct {
					Node struct {
						ID               string `json:"id"`
						Shortcode        string `json:"shortcode"`
						IsVideo          bool   `json:"is_video"`
						TakenAtTimestamp int64  `json:"taken_at_timestamp"`
						CommentsDisabled bool   `json:"comments_disabled"`
						EdgeMediaToComment struct {
							Count int `json:"count"`
						} `json:"edge_media_to_comment"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"edge_owner_to_timeline_media"`
		} `json:"user"`
	} `json:"data"`
}

// GetProfile fetches a profile via web_profile_info. Counts are null-safe:
// Instagram omits edges for some account types.
func (c *Client) GetProfile(ctx context.Context, username string) (*Profile, error) {
	session, err := c.rotator.Next()
	if err != nil {
		return nil, err
	}

	rawURL := fmt.Sprintf("%s/api/v1/users/web_profile_info/?username=%s", c.mobileBase, url.QueryEscape(username))
	header := webHeaders(session)
	header.Set("Referer", fmt.Sprintf("https://www.instagram.com/%s/", username))

	var decoded webProfileResponse
	if err := c.get(ctx, circuitbreaker.ServiceInstagramProfile, "profile", rawURL, header, &decoded); err != nil {
		if isNotFound(err) {
			return nil, apierrors.New(apierrors.ErrCodeProfileNotFound, "profile not found: "+username)
		}
		return nil, err
	}

	user := decoded.Data.User
	if user == nil || user.ID == "" {
		return nil, apierrors.New(apierrors.ErrCodeProfileNotFound, "profile not found: "+username)
	}

	p := &Profile{
		ID:          user.ID,
		Username:    user.Username,
		FullName:    user.FullName,
		Biography:   user.Biography,
		ExternalURL: user.ExternalURL,
		IsPrivate:   user.IsPrivate,
		IsVerified:  user.IsVerified,
		IsBusiness:  user.IsBusiness,
		RecentMedia: []RecentMedia{},
	}

	p.ProfilePicURLOriginal = user.ProfilePicHD
	if p.ProfilePicURLOriginal == "" {
		p.ProfilePicURLOriginal = user.ProfilePicURL
	}
	p.ProfilePicURL = p.ProfilePicURLOriginal

	if user.EdgeFollowedBy != nil {
		p.FollowersCount = user.EdgeFollowedBy.Count
	}
	if user.EdgeFollow != nil {
		p.FollowingCount = user.EdgeFollow.Count
	}
	if tm := user.EdgeTimelineMedia; tm != nil {
		p.PostsCount = tm.Count
		for _, e := range tm.Edges {
			p.RecentMedia = append(p.RecentMedia, RecentMedia{
				ID:               e.Node.ID,
				Shortcode:        e.Node.Shortcode,
				IsVideo:          e.Node.IsVideo,
				TakenAtTimestamp: e.Node.TakenAtTimestamp,
				CommentsDisabled: e.Node.CommentsDisabled,
				CommentCount:     e.Node.EdgeMediaToComment.Count,
			})
		}
	}

	return p, nil
}

func isNotFound(err error) bool {
	var apiErr *apierrors.APIError
	return apierrors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type userListResponse struct {
	Data struct {
		User map[string]json.RawMessage `json:"user"`
	} `json:"data"`
}

type userListEdgeBlock struct {
	Edges []struct {
		Node struct {
			ID                         string `json:"id"`
			Username                   string `json:"username"`
			FullName                   string `json:"full_name"`
			ProfilePicURL              string `json:"profile_pic_url"`
			IsVerified                 bool   `json:"is_verified"`
			IsPrivate                  bool   `json:"is_private"`
			HasAnonymousProfilePicture bool   `json:"has_anonymous_profile_picture"`
			FBIDV2                     string `json:"fbid_v2"`
			ThirdPartyDownloadsEnabled bool   `json:"third_party_downloads_enabled"`
			LatestReelMedia            int64  `json:"latest_reel_media"`
		} `json:"node"`
	} `json:"edges"`
	PageInfo struct {
		HasNextPage bool   `json:"has_next_page"`
		EndCursor   string `json:"end_cursor"`
	} `json:"page_info"`
}

// GetFollowers returns up to limit followers of the account.
func (c *Client) GetFollowers(ctx context.Context, userID string, limit int) ([]FollowerUser, error) {
	return c.getUserList(ctx, userID, queryHashFollowers, "edge_followed_by", limit)
}

// GetFollowings returns up to limit accounts the user follows.
func (c *Client) GetFollowings(ctx context.Context, userID string, limit int) ([]FollowerUser, error) {
	return c.getUserList(ctx, userID, queryHashFollowings, "edge_follow", limit)
}

// Pace sleeps for one randomized pacing interval, the same one used
// between result pages. Callers insert it between traversal stages.
func (c *Client) Pace(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// getUserList paginates a GraphQL edge until limit entries are collected
// or the cursor runs out, pacing between pages.
func (c *Client) getUserList(ctx context.Context, userID, queryHash, edgeKey string, limit int) ([]FollowerUser, error) {
	if limit < 1 {
		limit = 1
	}

	session, err := c.rotator.Next()
	if err != nil {
		return nil, err
	}
	csrf := CookieValue(session.Cookie, "csrftoken")
	if csrf == "" {
		csrf = "missing"
	}

	header := webHeaders(session)
	header.Set("Referer", "https://www.instagram.com/")
	header.Set("X-CSRFToken", csrf)

	pageSize := c.cfg.PageSize
	out := make([]FollowerUser, 0, limit)
	after := ""

	for {
		variables := map[string]interface{}{
			"id":            userID,
			"include_reel":  true,
			"fetch_mutual":  false,
			"first":         pageSize,
		}
		if after != "" {
			variables["after"] = after
		}
		varsJSON, err := json.Marshal(variables)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeInternalError, "encoding graphql variables", err)
		}

		params := url.Values{}
		params.Set("query_hash", queryHash)
		params.Set("variables", string(varsJSON))
		rawURL := fmt.Sprintf("%s/graphql/query/?%s", c.webBase, params.Encode())

		var decoded userListResponse
		if err := c.get(ctx, circuitbreaker.ServiceInstagramGraphQL, "graphql", rawURL, header, &decoded); err != nil {
			return nil, err
		}

		raw, ok := decoded.Data.User[edgeKey]
		if !ok {
			return nil, apierrors.New(apierrors.ErrCodeUnexpectedShape, "graphql response missing "+edgeKey)
		}
		var block userListEdgeBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeUnexpectedShape, "decoding "+edgeKey, err)
		}

		for _, e := range block.Edges {
			n := e.Node
			out = append(out, FollowerUser{
				FollowerPK:                 n.ID,
				Username:                   n.Username,
				FullName:                   n.FullName,
				ProfilePicURL:              n.ProfilePicURL,
				IsVerified:                 n.IsVerified,
				IsPrivate:                  n.IsPrivate,
				HasAnonymousProfilePicture: n.HasAnonymousProfilePicture,
				FBIDV2:                     n.FBIDV2,
				ThirdPartyDownloadsEnabled: n.ThirdPartyDownloadsEnabled,
				LatestReelMedia:            n.LatestReelMedia,
			})
			if len(out) >= limit {
				return out, nil
			}
		}

		if !block.PageInfo.HasNextPage || block.PageInfo.EndCursor == "" {
			return out, nil
		}
		after = block.PageInfo.EndCursor

		if err := c.limiter.Wait(ctx); err != nil {
			return out, apierrors.Wrap(apierrors.ErrCodeCancelled, "cancelled between pages", err)
		}
	}
}

// FindMutuals intersects followings with followers by follower_pk,
// keeping the follower-side record.
func FindMutuals(followers, followings []FollowerUser) []FollowerUser {
	byPK := make(map[string]FollowerUser, len(followers))
	for _, f := range followers {
		if f.FollowerPK != "" {
			byPK[f.FollowerPK] = f
		}
	}

	mutuals := []FollowerUser{}
	for _, f := range followings {
		if f.FollowerPK == "" {
			continue
		}
		if match, ok := byPK[f.FollowerPK]; ok {
			mutuals = append(mutuals, match)
		}
	}
	return mutuals
}

type mobileFeedResponse struct {
	Items []mobileFeedItem `json:"items"`
}

type mobileFeedItem struct {
	PK                 json.Number `json:"pk"`
	Code               string      `json:"code"`
	Shortcode          string      `json:"shortcode"`
	CommentsDisabled   bool        `json:"comments_disabled"`
	CommentingDisabled bool        `json:"commenting_disabled"`
	CommentCount       int         `json:"comment_count"`
	TakenAt            int64       `json:"taken_at"`
	MediaType          int         `json:"media_type"`
	ImageVersions2     *struct {
		Candidates []struct {
			URL string `json:"url"`
		} `json:"candidates"`
	} `json:"image_versions2"`
	CarouselMedia []mobileFeedItem `json:"carousel_media"`
}

func (it *mobileFeedItem) imageURL() string {
	if it.ImageVersions2 != nil && len(it.ImageVersions2.Candidates) > 0 {
		return it.ImageVersions2.Candidates[0].URL
	}
	// Carousels carry images on the first child.
	if len(it.CarouselMedia) > 0 {
		first := it.CarouselMedia[0]
		if first.ImageVersions2 != nil && len(first.ImageVersions2.Candidates) > 0 {
			return first.ImageVersions2.Candidates[0].URL
		}
	}
	return ""
}

// GetRecentMediaMobile fetches recent posts via the mobile feed endpoint.
// count is clamped to [1, 50].
func (c *Client) GetRecentMediaMobile(ctx context.Context, userID string, count int) ([]MediaItem, error) {
	if count < 1 {
		count = 1
	}
	if count > 50 {
		count = 50
	}

	session, err := c.rotator.Next()
	if err != nil {
		return nil, err
	}

	rawURL := fmt.Sprintf("%s/api/v1/feed/user/%s/?count=%d", c.mobileBase, url.PathEscape(userID), count)

	var decoded mobileFeedResponse
	if err := c.get(ctx, circuitbreaker.ServiceInstagramProfile, "mobile_feed", rawURL, mobileHeaders(session), &decoded); err != nil {
		return nil, err
	}

	out := make([]MediaItem, 0, len(decoded.Items))
	for _, it := range decoded.Items {
		shortcode := it.Code
		if shortcode == "" {
			shortcode = it.Shortcode
		}
		out = append(out, MediaItem{
			PK:               it.PK.String(),
			Shortcode:        shortcode,
			CommentsDisabled: it.CommentsDisabled || it.CommentingDisabled,
			CommentCount:     it.CommentCount,
			ImageURL:         it.imageURL(),
			IsVideo:          it.MediaType == 2,
			TakenAtTimestamp: it.TakenAt,
		})
	}
	return out, nil
}

type commentsResponse struct {
	Comments []commentItem `json:"comments"`
	Items    []commentItem `json:"items"`
}

type commentItem struct {
	PK   json.Number `json:"pk"`
	ID   json.Number `json:"id"`
	Text string      `json:"text"`
	User struct {
		Username      string `json:"username"`
		FullName      string `json:"full_name"`
		ProfilePicURL string `json:"profile_pic_url"`
		ProfilePicHD  string `json:"profile_pic_url_hd"`
	} `json:"user"`
}

type shortcodeResponse struct {
	Items []struct {
		PK json.Number `json:"pk"`
	} `json:"items"`
	Media struct {
		PK json.Number `json:"pk"`
	} `json:"media"`
}

// GetComments fetches up to limit comments for a media, identified by a
// numeric pk or a shortcode. The mobile endpoint is tried first, then the
// web endpoint with a post Referer.
func (c *Client) GetComments(ctx context.Context, mediaRef string, limit int, postShortcode string) ([]Comment, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	mediaPK := mediaRef
	if !isDigits(mediaRef) {
		pk, err := c.resolveShortcode(ctx, mediaRef)
		if err != nil {
			c.log.Warn().Str("shortcode", mediaRef).Err(err).Msg("shortcode resolve failed")
			return []Comment{}, nil
		}
		mediaPK = pk
	}
	if mediaPK == "" {
		return []Comment{}, nil
	}

	postURL := ""
	if postShortcode != "" {
		postURL = fmt.Sprintf("https://www.instagram.com/p/%s/", postShortcode)
	}

	session, err := c.rotator.Next()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("can_support_threading=true&permalink_enabled=true&count=%d", limit)

	// Mobile API first.
	mobileURL := fmt.Sprintf("%s/api/v1/media/%s/comments/?%s", c.mobileBase, mediaPK, query)
	var decoded commentsResponse
	err = c.get(ctx, circuitbreaker.ServiceInstagramProfile, "comments", mobileURL, mobileHeaders(session), &decoded)
	if err == nil {
		if out := normalizeComments(decoded, limit, postURL); len(out) > 0 {
			return out, nil
		}
	} else {
		c.log.Warn().Str("media_pk", mediaPK).Err(err).Msg("mobile comments failed")
	}

	// Web fallback.
	webURL := fmt.Sprintf("%s/api/v1/media/%s/comments/?%s", c.webBase, mediaPK, query)
	header := mobileHeaders(session)
	if !isDigits(mediaRef) {
		header.Set("Referer", fmt.Sprintf("https://www.instagram.com/p/%s/", mediaRef))
	} else {
		header.Set("Referer", "https://www.instagram.com/")
	}

	decoded = commentsResponse{}
	if err := c.get(ctx, circuitbreaker.ServiceInstagramProfile, "comments", webURL, header, &decoded); err != nil {
		c.log.Warn().Str("media_pk", mediaPK).Err(err).Msg("web comments failed")
		return []Comment{}, nil
	}
	return normalizeComments(decoded, limit, postURL), nil
}

func (c *Client) resolveShortcode(ctx context.Context, shortcode string) (string, error) {
	session, err := c.rotator.Next()
	if err != nil {
		return "", err
	}

	rawURL := fmt.Sprintf("%s/api/v1/media/shortcode/%s/", c.mobileBase, url.PathEscape(shortcode))
	var decoded shortcodeResponse
	if err := c.get(ctx, circuitbreaker.ServiceInstagramProfile, "shortcode", rawURL, mobileHeaders(session), &decoded); err != nil {
		return "", err
	}

	if len(decoded.Items) > 0 && decoded.Items[0].PK.String() != "" {
		return decoded.Items[0].PK.String(), nil
	}
	if decoded.Media.PK.String() != "" {
		return decoded.Media.PK.String(), nil
	}
	return "", apierrors.New(apierrors.ErrCodeUnexpectedShape, "shortcode response carried no media pk")
}

func normalizeComments(resp commentsResponse, limit int, postURL string) []Comment {
	items := resp.Comments
	if len(items) == 0 {
		items = resp.Items
	}

	out := make([]Comment, 0, len(items))
	for _, item := range items {
		id := item.PK.String()
		if id == "" {
			id = item.ID.String()
		}
		pic := item.User.ProfilePicURL
		if pic == "" {
			pic = item.User.ProfilePicHD
		}
		out = append(out, Comment{
			ID:            id,
			Text:          item.Text,
			Username:      item.User.Username,
			FullName:      item.User.FullName,
			ProfilePicURL: pic,
			PostURL:       postURL,
		})
		if len(out) >= limit {
			break
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
