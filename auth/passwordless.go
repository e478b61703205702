package auth

import (
	"context"
	"io"

	"github.com/johnsto/go-passwordless"
)

func (a *Auth) getTransport() string {
	if a.Environment == EnvProduction {
		return "Email"
	}
	return "Log"
}

// Request will send a link to email with the login token
func (a *Auth) Request(ctx context.Context, uid, recipient string) error {
	return a.pw.RequestToken(ctx, a.getTransport(), uid, recipient)
}

// Verify checks if the login token is valid and corresonds to the user
func (a *Auth) Verify(ctx context.Context, uid, token string) (bool, error) {
	valid, err := a.pw.VerifyToken(ctx, uid, token)
	switch err {
	case passwordless.ErrNoResponseWriter, passwordless.ErrNoStore, passwordless.ErrNoTransport, passwordless.ErrNotValidForContext:
		return valid, err
	default:
		return valid, nil
	}
}

func composeFuncGetter(options EmailOption) passwordless.ComposerFunc {
	return func(ctx context.Context, token, uid, recipient string, w io.Writer) error {
		e := &passwordless.Email{
			Subject: "Your " + options.Name + " sign-in link",
			To:      recipient,
		}

		link := options.LinkGenerator(uid, token)

		text := "Someone asked to sign in to " + options.Name + " with this " +
			"email address. If that was you, use the code " + token + " or " +
			"open this link within the next 15 minutes:\n\n" +
			link + "\n\n" +
			"If you weren't trying to sign in, no action is needed. Your " +
			"quotes and account are untouched, and this link only works once."
		html := "<!doctype html><html><body>" +
			"<p>Someone asked to sign in to " + options.Name + " with this " +
			"email address. If that was you, use the code <b>" + token + "</b> or " +
			"<a href=\"" + link + "\">sign in with one click</a> within the next 15 minutes.</p>" +
			"<p>If you weren't trying to sign in, no action is needed. Your " +
			"quotes and account are untouched, and this link only works once.</p>" +
			"</body></html>"

		e.AddBody("text/plain", text)
		e.AddBody("text/html", html)

		_, err := e.Write(w)

		return err
	}
}
