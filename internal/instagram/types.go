package instagram

// Profile is the normalized result of a web_profile_info lookup.
type Profile struct {
	ID                   string        `json:"id"`
	Username             string        `json:"username"`
	FullName             string        `json:"full_name"`
	Biography            string        `json:"biography"`
	ExternalURL          string        `json:"external_url,omitempty"`
	FollowersCount       int64         `json:"followers_count"`
	FollowingCount       int64         `json:"following_count"`
	PostsCount           int64         `json:"posts_count"`
	IsPrivate            bool          `json:"is_private"`
	IsVerified           bool          `json:"is_verified"`
	IsBusiness           bool          `json:"is_business"`
	ProfilePicURL        string        `json:"profile_pic_url"`
	ProfilePicURLOriginal string       `json:"profile_pic_url_original,omitempty"`
	RecentMedia          []RecentMedia `json:"recent_media"`
}

// RecentMedia is a timeline entry surfaced by web_profile_info.
type RecentMedia struct {
	ID               string `json:"id"`
	Shortcode        string `json:"shortcode"`
	IsVideo          bool   `json:"is_video"`
	TakenAtTimestamp int64  `json:"taken_at_timestamp"`
	CommentsDisabled bool   `json:"comments_disabled"`
	CommentCount     int    `json:"comment_count"`
}

// FollowerUser is one node from the GraphQL follower/following edges.
type FollowerUser struct {
	FollowerPK                   string `json:"follower_pk"`
	Username                     string `json:"username"`
	FullName                     string `json:"full_name"`
	ProfilePicURL                string `json:"profile_pic_url"`
	IsVerified                   bool   `json:"is_verified"`
	IsPrivate                    bool   `json:"is_private"`
	HasAnonymousProfilePicture   bool   `json:"has_anonymous_profile_picture"`
	FBIDV2                       string `json:"fbid_v2,omitempty"`
	ThirdPartyDownloadsEnabled   bool   `json:"third_party_downloads_enabled"`
	LatestReelMedia              int64  `json:"latest_reel_media,omitempty"`
}

// MediaItem is a post from the mobile feed endpoint.
type MediaItem struct {
	PK               string `json:"pk"`
	Shortcode        string `json:"shortcode"`
	CommentsDisabled bool   `json:"comments_disabled"`
	CommentCount     int    `json:"comment_count"`
	ImageURL         string `json:"image_url,omitempty"`
	IsVideo          bool   `json:"is_video"`
	TakenAtTimestamp int64  `json:"taken_at_timestamp,omitempty"`
}

// Comment is a normalized media comment.
type Comment struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Username      string `json:"username,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	ProfilePicURL string `json:"profile_pic_url,omitempty"`
	PostURL       string `json:"post_url,omitempty"`
	PostImageURL  string `json:"post_image_url,omitempty"`
}
