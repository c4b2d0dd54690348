// Command tryon runs one try-on against a running server: it creates a profile from
// -photo, adds each -garment and waits for the job to finish.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/raushankrgupta/fitly-tryon/models"
)

type cliConfig struct {
	Port      string `env:"PORT" envDefault:"8080"`
	UserID    string `env:"USER_ID"`
	JWTSecret string `env:"API_JWT_SECRET"`
}

type garmentFlags []string

func (g *garmentFlags) String() string     { return strings.Join(*g, ",") }
func (g *garmentFlags) Set(v string) error { *g = append(*g, v); return nil }

func main() {
	_ = godotenv.Load()
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	server := flag.String("server", "http://localhost:"+cfg.Port, "server base URL")
	name := flag.String("name", "CLI profile", "profile display name")
	photo := flag.String("photo", "", "path or URL of the person photo")
	note := flag.String("note", "", "style note")
	var garments garmentFlags
	flag.Var(&garments, "garment", "category=path-or-url, repeatable")
	flag.Parse()

	if *photo == "" || len(garments) == 0 {
		log.Fatalf("Usage: tryon -photo <uri> -garment tops=<uri> [-garment bottoms=<uri>] [-note text]")
	}

	c := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 10 * time.Minute}}
	if cfg.JWTSecret != "" {
		token, err := auth.GenerateToken([]byte(cfg.JWTSecret), cfg.UserID, time.Hour)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		c.token = token
	}

	var created struct {
		Profile models.Profile `json:"profile"`
	}
	if err := c.do(http.MethodPost, "/profiles", map[string]interface{}{
		"display_name": *name,
		"photos":       []map[string]string{{"uri": *photo}},
	}, &created); err != nil {
		log.Fatalf("Failed to create profile: %v", err)
	}
	fmt.Printf("Profile: %s\n", created.Profile.ID)

	var garmentIDs []string
	for i, spec := range garments {
		category, uri, ok := strings.Cut(spec, "=")
		if !ok {
			log.Fatalf("Bad -garment %q, want category=uri", spec)
		}
		var g models.Garment
		if err := c.do(http.MethodPost, "/garments", map[string]string{
			"title":     fmt.Sprintf("CLI garment %d", i+1),
			"category":  category,
			"image_uri": uri,
		}, &g); err != nil {
			log.Fatalf("Failed to add garment %s: %v", spec, err)
		}
		garmentIDs = append(garmentIDs, g.ID)
		fmt.Printf("Garment: %s (%s)\n", g.ID, g.Category)
	}

	var res struct {
		Job    models.TryOnJob `json:"tryon_details"`
		Result string          `json:"result"`
		Error  string          `json:"error"`
	}
	if err := c.do(http.MethodPost, "/try-on?wait=true", map[string]interface{}{
		"profile_id":  created.Profile.ID,
		"garment_ids": garmentIDs,
		"style_note":  *note,
	}, &res); err != nil {
		log.Fatalf("Try-on failed: %v", err)
	}

	b, _ := json.MarshalIndent(res.Job, "", "  ")
	fmt.Printf("Job: %s\n", string(b))
	if res.Job.Status == models.JobCompleted {
		fmt.Printf("Result: %s\n", res.Result)
	} else {
		fmt.Printf("Error: %s\n", res.Error)
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
