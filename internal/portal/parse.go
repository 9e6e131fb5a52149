package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

// Friend is one row of the bot's friend list.
type Friend struct {
	FriendCode string
	Name       string
	Favorite   bool
}

// Profile holds the fields of a player lookup.
type Profile struct {
	FriendCode string
	Name       string
	Rating     string
}

// FriendDetail holds relationship state for one friend.
type FriendDetail struct {
	FriendCode string
	Name       string
	IsFavorite bool
}

// ScoreRow is one parsed chart row of a friend-versus page.
type ScoreRow struct {
	Category string
	Title    string
	Chart    domain.ChartType
	Level    string
	Value    string
	FC       string
	FS       string
}

// errorBannerMarker gates the goquery parse for the common no-banner case.
const errorBannerMarker = `class="error_block"`

// ParseErrorBanner extracts the portal's in-page error banner, or ""
// when the page carries none.
func ParseErrorBanner(body []byte) string {
	if !bytes.Contains(body, []byte(errorBannerMarker)) {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("div.error_block").First().Text())
}

// ParseFriendList extracts friend rows from the friend list page.
func ParseFriendList(body []byte) ([]Friend, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse friend list: %w", err)
	}

	var friends []Friend
	doc.Find("div.see_through_block").Each(func(_ int, block *goquery.Selection) {
		code, ok := block.Find("input[name='idx']").Attr("value")
		if !ok || code == "" {
			return
		}
		friends = append(friends, Friend{
			FriendCode: code,
			Name:       strings.TrimSpace(block.Find("div.name_block").First().Text()),
			Favorite:   block.Find("div.friend_favorite_icon").Length() > 0,
		})
	})
	return friends, nil
}

// Invite is one row of a sent or pending invite page.
type Invite struct {
	FriendCode string
	// Date is the portal-reported send time, verbatim.
	Date string
}

// ParseInvites extracts invite rows from a sent or pending invite page.
func ParseInvites(body []byte) ([]Invite, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse invite list: %w", err)
	}

	var invites []Invite
	doc.Find("div.see_through_block").Each(func(_ int, block *goquery.Selection) {
		code, ok := block.Find("input[name='idx']").Attr("value")
		if !ok || code == "" {
			return
		}
		invites = append(invites, Invite{
			FriendCode: code,
			Date:       strings.TrimSpace(block.Find("div.invite_date").First().Text()),
		})
	})
	return invites, nil
}

// ParseInviteCodes extracts just the friend codes of an invite page.
func ParseInviteCodes(body []byte) ([]string, error) {
	invites, err := ParseInvites(body)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(invites))
	for _, inv := range invites {
		codes = append(codes, inv.FriendCode)
	}
	return codes, nil
}

// ParseUserProfile extracts the profile fields of a player search result.
// Returns ErrUserNotFound when the page shows no player.
func ParseUserProfile(body []byte) (*Profile, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse user profile: %w", err)
	}

	name := strings.TrimSpace(doc.Find("div.name_block").First().Text())
	if name == "" {
		return nil, ErrUserNotFound
	}
	return &Profile{
		Name:   name,
		Rating: strings.TrimSpace(doc.Find("div.rating_block").First().Text()),
	}, nil
}

// ParseOwnFriendCode extracts the account's own friend code from the
// friend-code page.
func ParseOwnFriendCode(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse friend code page: %w", err)
	}

	code := strings.TrimSpace(doc.Find("div.see_through_block div.friend_code").First().Text())
	if code == "" {
		return "", fmt.Errorf("friend code not present in page")
	}
	return code, nil
}

// ParseFriendDetail extracts relationship state from a friend detail page.
// The favorite toggle form reveals the current favorite state.
func ParseFriendDetail(body []byte) (*FriendDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse friend detail: %w", err)
	}

	code, _ := doc.Find("input[name='idx']").First().Attr("value")
	return &FriendDetail{
		FriendCode: code,
		Name:       strings.TrimSpace(doc.Find("div.name_block").First().Text()),
		IsFavorite: doc.Find("form[action*='favoriteOff']").Length() > 0,
	}, nil
}

// ParseScoreRows extracts chart rows from a friend-versus page.
// Genre headers (screw_block) precede the music blocks they categorize.
func ParseScoreRows(body []byte) ([]ScoreRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse score page: %w", err)
	}

	var rows []ScoreRow
	category := ""
	doc.Find("div.screw_block, div.music_block").Each(func(_ int, block *goquery.Selection) {
		if block.HasClass("screw_block") {
			category = strings.TrimSpace(block.Text())
			return
		}

		title := strings.TrimSpace(block.Find("div.music_name_block").First().Text())
		if title == "" {
			return
		}

		row := ScoreRow{
			Category: category,
			Title:    title,
			Chart:    chartTypeOf(block),
			Level:    strings.TrimSpace(block.Find("div.music_lv_block").First().Text()),
			Value:    strings.TrimSpace(block.Find("div.music_score_block").First().Text()),
		}
		row.FC, row.FS = parseBadges(block)
		rows = append(rows, row)
	})
	return rows, nil
}

// chartTypeOf reads the deluxe/standard kind icon of a music block.
func chartTypeOf(block *goquery.Selection) domain.ChartType {
	src, _ := block.Find("img.music_kind_icon").First().Attr("src")
	if strings.Contains(src, "music_dx") {
		return domain.ChartDeluxe
	}
	return domain.ChartStandard
}

// fcBadges and fsBadges map badge icon stems to result values.
var (
	fcBadges = map[string]string{"fc": "fc", "fcp": "fc+", "ap": "ap", "app": "ap+"}
	fsBadges = map[string]string{"fs": "fs", "fsp": "fs+", "fsd": "fsd", "fsdp": "fsd+", "sync": "sync"}
)

// parseBadges reads the clear-type badge icons of a music block.
func parseBadges(block *goquery.Selection) (fc, fs string) {
	block.Find("img.music_badge").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		stem := badgeStem(src)
		if v, ok := fcBadges[stem]; ok {
			fc = v
		}
		if v, ok := fsBadges[stem]; ok {
			fs = v
		}
	})
	return fc, fs
}

// badgeStem extracts the badge name from an icon URL such as
// .../music_icon_fcp.png?ver=1.55 -> "fcp".
func badgeStem(src string) string {
	if i := strings.IndexByte(src, '?'); i >= 0 {
		src = src[:i]
	}
	if i := strings.LastIndexByte(src, '/'); i >= 0 {
		src = src[i+1:]
	}
	src = strings.TrimSuffix(src, ".png")
	return strings.TrimPrefix(src, "music_icon_")
}
