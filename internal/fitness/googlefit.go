package fitness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const GoogleFitProvider = "google_fit"

// Merged data sources; these are the per-user streams Google Fit derives from every device.
const (
	sourceSteps         = "derived:com.google.step_count.delta:com.google.android.gms:estimated_steps"
	sourceDistance      = "derived:com.google.distance.delta:com.google.android.gms:merge_distance_delta"
	sourceCalories      = "derived:com.google.calories.expended:com.google.android.gms:merge_calories_expended"
	sourceActiveMinutes = "derived:com.google.active_minutes:com.google.android.gms:merge_active_minutes"
)

// GoogleFitConfig holds the Google Fit client settings
type GoogleFitConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	HTTPClient   *http.Client
}

// GoogleFit reads aggregates from the Google Fit REST API
type GoogleFit struct {
	baseURL    string
	oauth      *oauth2.Config
	httpClient *http.Client
}

var _ Provider = (*GoogleFit)(nil)

// NewGoogleFit creates a Google Fit provider
func NewGoogleFit(cfg GoogleFitConfig) *GoogleFit {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	base := cfg.BaseURL
	if base == "" {
		base = "https://www.googleapis.com/fitness/v1"
	}

	return &GoogleFit{
		baseURL: strings.TrimRight(base, "/"),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/fitness.activity.read",
				"https://www.googleapis.com/auth/fitness.location.read",
			},
		},
		httpClient: cfg.HTTPClient,
	}
}

func (g *GoogleFit) Name() string {
	return GoogleFitProvider
}

func (g *GoogleFit) withHTTPClient(ctx context.Context) context.Context {
	if g.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// RefreshCredential exchanges a refresh token for a new access token
func (g *GoogleFit) RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}

	ts := g.oauth.TokenSource(g.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// FetchAggregate sums steps, distance, calories and active minutes over [start, end]
func (g *GoogleFit) FetchAggregate(ctx context.Context, accessToken string, start, end time.Time) (*models.FitnessAggregate, error) {
	ctx = g.withHTTPClient(ctx)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	sums := make(map[string]float64, 4)
	for _, source := range []string{sourceSteps, sourceDistance, sourceCalories, sourceActiveMinutes} {
		total, err := g.sumDataset(ctx, client, source, start, end)
		if err != nil {
			return nil, err
		}
		sums[source] = total
	}

	sessions, err := g.listSessions(ctx, client, start, end)
	if err != nil {
		return nil, err
	}

	return &models.FitnessAggregate{
		Steps:          int64(math.Round(sums[sourceSteps])),
		DistanceMeters: sums[sourceDistance],
		ActiveMinutes:  sums[sourceActiveMinutes],
		Calories:       int64(math.Round(sums[sourceCalories])),
		Activities:     sessions,
		Provider:       GoogleFitProvider,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

type datasetResponse struct {
	Point []struct {
		Value []struct {
			IntVal *int64   `json:"intVal"`
			FpVal  *float64 `json:"fpVal"`
		} `json:"value"`
	} `json:"point"`
}

func (g *GoogleFit) sumDataset(ctx context.Context, client *http.Client, source string, start, end time.Time) (float64, error) {
	datasetID := fmt.Sprintf("%d-%d", start.UnixNano(), end.UnixNano())
	endpoint := fmt.Sprintf("%s/users/me/dataSources/%s/datasets/%s", g.baseURL, url.PathEscape(source), datasetID)

	var resp datasetResponse
	if err := g.getJSON(ctx, client, endpoint, &resp); err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", source, err)
	}

	var total float64
	for _, p := range resp.Point {
		for _, v := range p.Value {
			switch {
			case v.IntVal != nil:
				total += float64(*v.IntVal)
			case v.FpVal != nil:
				total += *v.FpVal
			}
		}
	}
	return total, nil
}

type sessionsResponse struct {
	Session []struct {
		Name            string `json:"name"`
		StartTimeMillis string `json:"startTimeMillis"`
		EndTimeMillis   string `json:"endTimeMillis"`
		ActivityType    int    `json:"activityType"`
	} `json:"session"`
}

func (g *GoogleFit) listSessions(ctx context.Context, client *http.Client, start, end time.Time) ([]models.ActivitySession, error) {
	q := url.Values{}
	q.Set("startTime", start.UTC().Format(time.RFC3339Nano))
	q.Set("endTime", end.UTC().Format(time.RFC3339Nano))
	endpoint := g.baseURL + "/users/me/sessions?" + q.Encode()

	var resp sessionsResponse
	if err := g.getJSON(ctx, client, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}

	sessions := make([]models.ActivitySession, 0, len(resp.Session))
	for _, s := range resp.Session {
		startMs, _ := strconv.ParseInt(s.StartTimeMillis, 10, 64)
		endMs, _ := strconv.ParseInt(s.EndTimeMillis, 10, 64)
		name := s.Name
		if name == "" {
			name = "Unknown Activity"
		}
		sessions = append(sessions, models.ActivitySession{
			Name:         name,
			StartTime:    time.UnixMilli(startMs).UTC(),
			EndTime:      time.UnixMilli(endMs).UTC(),
			DurationMs:   endMs - startMs,
			ActivityType: ActivityTypeName(s.ActivityType),
		})
	}
	return sessions, nil
}

func (g *GoogleFit) getJSON(ctx context.Context, client *http.Client, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var activityTypes = map[int]string{
	0:   "In Vehicle",
	1:   "Biking",
	2:   "On Foot",
	3:   "Still",
	4:   "Unknown",
	7:   "Walking",
	8:   "Running",
	9:   "Aerobics",
	14:  "Handbiking",
	15:  "Mountain Biking",
	16:  "Road Biking",
	17:  "Spinning",
	18:  "Stationary Biking",
	21:  "Calisthenics",
	22:  "Circuit Training",
	24:  "Dancing",
	25:  "Elliptical",
	35:  "Hiking",
	39:  "Jumping Rope",
	49:  "Pilates",
	52:  "Rock Climbing",
	53:  "Rowing",
	54:  "Rowing Machine",
	56:  "Jogging",
	58:  "Treadmill Running",
	77:  "Stair Climbing",
	80:  "Strength Training",
	82:  "Swimming",
	83:  "Pool Swimming",
	84:  "Open Water Swimming",
	88:  "Treadmill",
	93:  "Walking",
	94:  "Fitness Walking",
	95:  "Nordic Walking",
	96:  "Treadmill Walking",
	97:  "Water Polo",
	98:  "Weightlifting",
	101: "Yoga",
	102: "Zumba",
	108: "Other",
	113: "Crossfit",
	115: "Interval Training",
	117: "HIIT",
	119: "Cooldown",
}

// ActivityTypeName maps a Google Fit activity code to a display name
func ActivityTypeName(code int) string {
	if name, ok := activityTypes[code]; ok {
		return name
	}
	return "Unknown"
}
