// Package web is the server-rendered storefront: routing, sessions, views
// and the HTTP side of checkout.
package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/ebookstore/internal/catalog"
	"finitefield.org/ebookstore/internal/checkout"
	"finitefield.org/ebookstore/internal/contact"
	"finitefield.org/ebookstore/internal/content"
	"finitefield.org/ebookstore/internal/favorites"
	"finitefield.org/ebookstore/internal/identity"
	"finitefield.org/ebookstore/internal/ledger"
	"finitefield.org/ebookstore/internal/platform/observability"
)

const defaultRequestTimeout = 30 * time.Second

// GatewayScript serves the cached payment widget script.
type GatewayScript interface {
	Load(ctx context.Context) error
	Bytes() ([]byte, bool)
}

// Deps are the collaborators of the storefront. Identity may be nil when
// sign-in is not configured; Script may be nil when the widget script is
// loaded from its origin.
type Deps struct {
	StoreName      string
	Logger         *zap.Logger
	Catalog        *catalog.Catalog
	Assets         *catalog.AssetResolver
	Debouncer      *catalog.Debouncer
	Favorites      *favorites.Store
	Identity       identity.Provider
	Checkout       *checkout.Service
	Script         GatewayScript
	Ledger         *ledger.Ledger
	Content        *content.Library
	Contact        contact.Sender
	Sessions       *SessionManager
	RequestTimeout time.Duration
}

// Server implements the storefront HTTP surface.
type Server struct {
	storeName string
	logger    *zap.Logger
	catalog   *catalog.Catalog
	assets    *catalog.AssetResolver
	debouncer *catalog.Debouncer
	favorites *favorites.Store
	identity  identity.Provider
	checkout  *checkout.Service
	script    GatewayScript
	ledger    *ledger.Ledger
	content   *content.Library
	contact   contact.Sender
	sessions  *SessionManager
	renderer  *Renderer
	timeout   time.Duration
}

// NewServer validates deps and parses templates.
func NewServer(deps Deps) (*Server, error) {
	var missing []string
	if deps.Catalog == nil {
		missing = append(missing, "Catalog")
	}
	if deps.Favorites == nil {
		missing = append(missing, "Favorites")
	}
	if deps.Checkout == nil {
		missing = append(missing, "Checkout")
	}
	if deps.Ledger == nil {
		missing = append(missing, "Ledger")
	}
	if deps.Content == nil {
		missing = append(missing, "Content")
	}
	if deps.Sessions == nil {
		missing = append(missing, "Sessions")
	}
	if len(missing) > 0 {
		return nil, errors.New("web: missing dependencies: " + strings.Join(missing, ", "))
	}
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	s := &Server{
		storeName: deps.StoreName,
		logger:    deps.Logger,
		catalog:   deps.Catalog,
		assets:    deps.Assets,
		debouncer: deps.Debouncer,
		favorites: deps.Favorites,
		identity:  deps.Identity,
		checkout:  deps.Checkout,
		script:    deps.Script,
		ledger:    deps.Ledger,
		content:   deps.Content,
		contact:   deps.Contact,
		sessions:  deps.Sessions,
		renderer:  renderer,
		timeout:   deps.RequestTimeout,
	}
	if s.storeName == "" {
		s.storeName = "Ebook Store"
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.debouncer == nil {
		s.debouncer = catalog.NewDebouncer(catalog.DefaultSettle)
	}
	if s.contact == nil {
		s.contact = contact.LogSender{}
	}
	if s.timeout <= 0 {
		s.timeout = defaultRequestTimeout
	}
	return s, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.InjectLoggerMiddleware(s.logger))
	r.Use(s.sessions.Middleware)
	r.Use(observability.RequestLoggerMiddleware(userIDFromRequest))
	r.Use(chimw.Recoverer)
	r.Use(CSRF)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Streams outlive the request timeout. Verification carries its own
	// deadline and must not be cut short before the ledger write.
	r.Get("/favorites/events", s.handleFavoriteEvents)
	r.Get("/purchases/events", s.handlePurchaseEvents)
	r.Post("/checkout/verify", s.handleCheckoutVerify)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(s.timeout))

		r.Get("/", s.handleHome)
		r.Get("/library", s.handleLibrary)
		r.Get("/library/search", s.handleLibrarySearch)
		r.Get("/library/free/{id}", s.handleFreeItem)
		r.Get("/library/{id}", s.handlePreview)

		r.Get("/favorites", s.handleFavorites)
		r.Post("/favorites/{id}/toggle", s.handleToggleFavorite)

		r.Get("/auth/signin", s.handleSignInForm)
		r.Post("/auth/signin", s.handleSignIn)
		r.Get("/auth/signup", s.handleSignUpForm)
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/google", s.handleGoogleSignIn)
		r.Post("/auth/signout", s.handleSignOut)

		r.Get("/profile", s.handleProfile)
		r.Post("/profile/name", s.handleProfileName)
		r.Post("/profile/password", s.handleProfilePassword)

		r.Get("/purchases", s.handlePurchases)

		r.Post("/checkout/dismiss", s.handleCheckoutDismiss)
		r.Post("/checkout/{id}", s.handleCheckoutBegin)
		r.Get("/assets/gateway.js", s.handleGatewayScript)

		r.Get("/policies/{slug}", s.handlePolicy)
		r.Get("/contact", s.handleContactForm)
		r.Post("/contact", s.handleContact)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.renderError(w, r, http.StatusNotFound, "not_found", "The page you are looking for does not exist.")
	})
	return r
}
