package main

import (
	"errors"
	"net/http"

	"github.com/astroworks/gopmc/mirror"
	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/go-chi/render"
)

//---
// Error responses
//---

// ErrResponse is the common error envelope rendered by every API view.
type ErrResponse struct {
	Err            error `json:"-"` // low-level runtime error
	HTTPStatusCode int   `json:"-"` // http response status code

	StatusText string `json:"status"`          // user-level status message
	ErrorText  string `json:"error,omitempty"` // application-level error message
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func ErrUnauthorized(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnauthorized,
		StatusText:     "Unauthorized.",
		ErrorText:      err.Error(),
	}
}

func ErrPermissionDenied(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusForbidden,
		StatusText:     "Permission denied.",
		ErrorText:      err.Error(),
	}
}

func ErrConflict(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusConflict,
		StatusText:     "Conflicting device state.",
		ErrorText:      err.Error(),
	}
}

func ErrRender(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Error rendering response.",
		ErrorText:      err.Error(),
	}
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

//---
// Payloads
//---

type ModePayload struct {
	Mode uint8 `json:"mode"`
}

func (p *ModePayload) Bind(r *http.Request) error {
	return nil
}

type TargetPayload struct {
	Field string  `json:"field"` // tip, tilt or focus
	Value float64 `json:"value"` // microradians for angles, microns for focus
}

func (p *TargetPayload) Bind(r *http.Request) error {
	if p.Field == "" {
		return errors.New("field is required")
	}
	return nil
}

type HomingPayload struct {
	Velocity float64 `json:"velocity"` // radians per second
}

func (p *HomingPayload) Bind(r *http.Request) error {
	return nil
}

type FanPayload struct {
	Speed uint8 `json:"speed"` // percent of full scale
}

func (p *FanPayload) Bind(r *http.Request) error {
	if p.Speed > 100 {
		return errors.New("speed must be 0..100")
	}
	return nil
}

type StatusResponse struct {
	State   string                       `json:"state"`
	Mode    string                       `json:"mode"`
	Enabled bool                         `json:"enabled"`
	Homing  bool                         `json:"homing"`
	Axes    map[string]mirror.StatusBits `json:"axes"`
}

type PositionsResponse struct {
	Steps map[string]int32 `json:"steps"`
	Tip   float64          `json:"tip"`
	Tilt  float64          `json:"tilt"`
	Focus float64          `json:"focus"`
}

//---
// Views
//---

func GetStatus(w http.ResponseWriter, r *http.Request) {
	bits := ENV.Controller.StatusAll()
	resp := StatusResponse{
		State:   ENV.Controller.State().String(),
		Mode:    ENV.Controller.Mode().String(),
		Enabled: ENV.Controller.Enabled(),
		Homing:  ENV.Controller.HomingInProgress(),
		Axes:    make(map[string]mirror.StatusBits, stepper.NumAxes),
	}
	for i, axis := range stepper.Axes {
		resp.Axes[axis.String()] = bits[i]
	}
	render.JSON(w, r, resp)
}

func GetPositions(w http.ResponseWriter, r *http.Request) {
	pos := ENV.Controller.Positions()
	pose := ENV.Controller.Feedback()
	resp := PositionsResponse{
		Steps: make(map[string]int32, stepper.NumAxes),
		Tip:   pose.Tip,
		Tilt:  pose.Tilt,
		Focus: pose.Focus,
	}
	for i, axis := range stepper.Axes {
		resp.Steps[axis.String()] = pos[i]
	}
	render.JSON(w, r, resp)
}

func SetMode(w http.ResponseWriter, r *http.Request) {
	data := &ModePayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	mode, err := mirror.ParseControlMode(data.Mode)
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Controller.SetControlMode(mode)
	render.JSON(w, r, map[string]string{"mode": mode.String()})
}

func SetTarget(w http.ResponseWriter, r *http.Request) {
	data := &TargetPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var err error
	switch data.Field {
	case "tip":
		err = ENV.Controller.SetTip(data.Value)
	case "tilt":
		err = ENV.Controller.SetTilt(data.Value)
	case "focus":
		err = ENV.Controller.SetFocus(data.Value)
	default:
		render.Render(w, r, ErrInvalidRequest(errors.New("field must be tip, tilt or focus")))
		return
	}

	if err != nil {
		if errors.Is(err, mirror.ErrMoveInProgress) {
			render.Render(w, r, ErrConflict(err))
			return
		}
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	render.JSON(w, r, map[string]string{"status": "accepted"})
}

func StartHoming(w http.ResponseWriter, r *http.Request) {
	data := &HomingPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Controller.FindHome(data.Velocity)
	render.JSON(w, r, map[string]string{"status": "homing"})
}

func StopDevice(w http.ResponseWriter, r *http.Request) {
	ENV.Controller.Stop()
	render.JSON(w, r, map[string]string{"status": "stopping"})
}

func SetFan(w http.ResponseWriter, r *http.Request) {
	data := &FanPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := ENV.Controller.SetFanSpeed(data.Speed); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	render.JSON(w, r, map[string]uint8{"speed": data.Speed})
}
