// Command gmail-token runs the OAuth consent flow once and prints the refresh
// token the notifier needs to send cycle summaries.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

func main() {
	_ = godotenv.Load()

	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		logrus.Fatal("GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET must be set")
	}

	redirect := os.Getenv("GMAIL_REDIRECT_URL")
	if redirect == "" {
		redirect = "http://localhost:8080/callback"
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
	}

	// prompt=consent forces a refresh token even if the account granted access before
	authURL := conf.AuthCodeURL("fiscal-inbox", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open this link and approve sending mail on your behalf:\n\n%s\n", authURL)
	fmt.Print("\nPaste the 'code' parameter from the redirect URL: ")

	var code string
	if _, err := fmt.Scan(&code); err != nil {
		logrus.Fatalf("failed to read authorization code: %v", err)
	}

	tok, err := conf.Exchange(context.Background(), code)
	if err != nil {
		logrus.Fatalf("failed to exchange authorization code: %v", err)
	}
	if tok.RefreshToken == "" {
		logrus.Fatal("no refresh token returned; revoke the app's access and retry")
	}

	fmt.Printf("\nexport GMAIL_REFRESH_TOKEN=%q\n", tok.RefreshToken)
}
