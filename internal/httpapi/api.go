// Package httpapi serves the small REST surface next to the socket
// transport: the public document and the organizer's start and end actions
// for scripts and kiosks that do not speak Socket.IO.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/auction"
	"github.com/kiliankoe/callfold/internal/identity"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/ws"
)

const (
	maxUploadBytes = 32 << 20
	adminUserKey   = "adminUser"
	requestTimeout = 60 * time.Second
)

type API struct {
	Controller *auction.Controller
	Admins     identity.Provider
	Authz      identity.Authorizer
}

// Register mounts the routes on r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/api/auction", a.getAuction)

	admin := r.Group("/api/admin", a.requireAdmin)
	admin.POST("/auction", a.startAuction)
	admin.POST("/end", a.endAuction)
}

func (a *API) getAuction(c *gin.Context) {
	st, err := a.Controller.Snapshot(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": st.Exists, "auction": st.Auction})
}

func (a *API) startAuction(c *gin.Context) {
	initial, err := strconv.ParseInt(c.PostForm("initialPrice"), 10, 64)
	if err != nil {
		a.badRequest(c, "initialPrice must be an integer")
		return
	}
	increment, err := strconv.ParseInt(c.PostForm("increment"), 10, 64)
	if err != nil {
		a.badRequest(c, "increment must be an integer")
		return
	}
	var images []media.Image
	if form, err := c.MultipartForm(); err == nil && form != nil {
		for _, fh := range form.File["images"] {
			img, err := readImage(fh)
			if err != nil {
				a.badRequest(c, err.Error())
				return
			}
			images = append(images, img)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	doc, err := a.Controller.StartAuction(ctx, auction.Setup{
		Name:         c.PostForm("name"),
		Description:  c.PostForm("description"),
		Images:       images,
		InitialPrice: initial,
		Increment:    increment,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	log.Info().Str("admin", c.GetString(adminUserKey)).Str("item", doc.Item.Name).Int("images", len(images)).Msg("auction started over http")
	c.JSON(http.StatusOK, gin.H{"ok": true, "auction": doc})
}

func (a *API) endAuction(c *gin.Context) {
	w, err := a.Controller.EndAuction(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	log.Info().Str("admin", c.GetString(adminUserKey)).Bool("sold", w != nil).Msg("auction ended over http")
	c.JSON(http.StatusOK, gin.H{"ok": true, "winner": w})
}

// requireAdmin admits basic-auth credentials through the same provider and
// allow-list the socket transport uses.
func (a *API) requireAdmin(c *gin.Context) {
	email, password, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="callfold"`)
		a.fail(c, identity.ErrUnauthenticated)
		return
	}
	u, err := identity.Admit(c.Request.Context(), a.Admins, a.Authz, identity.Credentials{Email: email, Password: password})
	if err != nil {
		if !errors.Is(err, identity.ErrForbidden) {
			c.Header("WWW-Authenticate", `Basic realm="callfold"`)
		}
		a.fail(c, err)
		return
	}
	c.Set(adminUserKey, u.Email)
	c.Next()
}

func (a *API) fail(c *gin.Context, err error) {
	code := ws.ErrorCode(err)
	if code == ws.CodeInternal {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(ws.HTTPStatus(code), gin.H{"error": code, "message": err.Error()})
}

func (a *API) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ws.CodeBadRequest, "message": message})
}

func readImage(fh *multipart.FileHeader) (media.Image, error) {
	if fh.Size > maxUploadBytes {
		return media.Image{}, fmt.Errorf("%s: file too large", fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return media.Image{}, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return media.Image{}, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	return media.Image{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
