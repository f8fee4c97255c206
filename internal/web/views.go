package web

import (
	"html/template"
	"net/http"

	"finitefield.org/ebookstore/internal/checkout"
	"finitefield.org/ebookstore/internal/content"
	"finitefield.org/ebookstore/internal/ledger"
)

// View is the closed set of pages the storefront renders. Each variant maps
// to exactly one template.
type View interface {
	templateName() string
	pageTitle() string
}

// ItemCard is a catalog item prepared for display.
type ItemCard struct {
	ID       string
	Title    string
	Price    string
	Cover    string
	Free     bool
	Favorite bool
}

type HomeView struct {
	Featured []ItemCard
	Free     []ItemCard
}

type LibraryView struct {
	Query string
	Items []ItemCard
}

type PreviewView struct {
	Item        ItemCard
	Description template.HTML
	PreviewURL  string
}

type FavoritesView struct {
	Items []ItemCard
}

type PurchasesView struct {
	Tab     string
	Success []ledger.Record
	Failed  []ledger.Record
	Guest   bool
}

type ProfileView struct {
	Name      string
	Email     string
	Favorites int
	Purchases int
	Notice    string
	Error     string
}

type AuthView struct {
	Mode  string
	Email string
	Name  string
	Next  string
	Error string
}

type ContactView struct {
	Form   ContactForm
	Errors map[string]string
	Sent   bool
	Error  string
}

// ContactForm echoes submitted values back into the form.
type ContactForm struct {
	Name    string
	Email   string
	Subject string
	Message string
}

type PolicyView struct {
	Page content.Page
}

type DownloadView struct {
	Item        ItemCard
	Entitlement checkout.Entitlement
	Record      ledger.Record
}

type CheckoutView struct {
	Item       ItemCard
	Widget     *checkout.WidgetOptions
	WidgetJSON template.JS
	Failure    *ledger.Record
	Error      string
}

type ErrorView struct {
	Status  int
	Title   string
	Message string
}

func (HomeView) templateName() string { return "home" }
func (LibraryView) templateName() string { return "library" }
func (PreviewView) templateName() string { return "preview" }
func (FavoritesView) templateName() string { return "favorites" }
func (PurchasesView) templateName() string { return "purchases" }
func (ProfileView) templateName() string { return "profile" }
func (AuthView) templateName() string { return "auth" }
func (ContactView) templateName() string { return "contact" }
func (PolicyView) templateName() string { return "policy" }
func (DownloadView) templateName() string { return "download" }
func (CheckoutView) templateName() string { return "checkout" }
func (ErrorView) templateName() string { return "error" }

func (HomeView) pageTitle() string { return "" }
func (LibraryView) pageTitle() string { return "Library" }
func (v PreviewView) pageTitle() string { return v.Item.Title }
func (FavoritesView) pageTitle() string { return "Favorites" }
func (PurchasesView) pageTitle() string { return "Purchases" }
func (ProfileView) pageTitle() string { return "Profile" }
func (v AuthView) pageTitle() string {
	if v.Mode == "signup" {
		return "Create account"
	}
	return "Sign in"
}
func (ContactView) pageTitle() string { return "Contact" }
func (v PolicyView) pageTitle() string { return v.Page.Title }
func (DownloadView) pageTitle() string { return "Download" }
func (CheckoutView) pageTitle() string { return "Checkout" }
func (v ErrorView) pageTitle() string {
	if v.Title != "" {
		return v.Title
	}
	return http.StatusText(v.Status)
}

// viewNames lists every template a View may name.
var viewNames = []string{
	"home", "library", "preview", "favorites", "purchases", "profile",
	"auth", "contact", "policy", "download", "checkout", "error",
}
