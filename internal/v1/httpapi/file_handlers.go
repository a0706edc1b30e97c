package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/files"
)

// uploadHandler accepts a multipart upload and streams the ciphertext part
// straight to disk. Metadata fields must precede the "file" part so the
// envelope is complete before the first ciphertext byte is read.
func (d Deps) uploadHandler(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityOf(c)
		mr, err := c.Request.MultipartReader()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart body required"})
			return
		}

		params := files.UploadParams{Owner: ident.User, Scope: scope}
		var meta *files.Meta
		for {
			part, perr := mr.NextPart()
			if perr == io.EOF {
				break
			}
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed multipart body"})
				return
			}
			switch part.FormName() {
			case "iv":
				params.IV = formValue(part)
			case "wrapped_keys":
				params.WrappedKeys = json.RawMessage(formValue(part))
			case "mime":
				params.Mime = formValue(part)
			case "sha256":
				params.DeclaredSHA = formValue(part)
			case "file":
				meta, err = d.Files.Upload(c.Request.Context(), params, part)
				_ = part.Close()
				if err != nil {
					respondErr(c, err)
					return
				}
			default:
				_ = part.Close()
			}
		}
		if meta == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file part is required"})
			return
		}
		c.JSON(http.StatusCreated, meta)
	}
}

// formValue reads a small metadata part. Envelope fields are bounded; the
// ciphertext itself never comes through here.
func formValue(part io.ReadCloser) string {
	defer part.Close()
	b, err := io.ReadAll(io.LimitReader(part, 64<<10))
	if err != nil {
		return ""
	}
	return string(b)
}

func (d Deps) metaHandler(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityOf(c)
		meta, err := d.Files.GetMeta(c.Request.Context(), ident.User, c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		if meta.Scope != scope {
			respondErr(c, errs.E(errs.KindNotFound, "no such file"))
			return
		}
		c.JSON(http.StatusOK, meta)
	}
}

func (d Deps) blobHandler(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityOf(c)
		rc, meta, err := d.Files.OpenBlob(c.Request.Context(), ident.User, c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		defer rc.Close()
		if meta.Scope != scope {
			respondErr(c, errs.E(errs.KindNotFound, "no such file"))
			return
		}
		mime := meta.Mime
		if mime == "" {
			mime = "application/octet-stream"
		}
		c.DataFromReader(http.StatusOK, meta.Size, mime, rc, map[string]string{
			"X-Content-SHA256": meta.SHA256,
		})
	}
}
