package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad %s %q: %w", name, r.PathValue(name), model.ErrValidation)
	}
	return id, nil
}

func (a *App) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
}

// HandlePublish re-triggers one schedule. A publish that ran but lost some
// topics answers 502 with the per-topic result.
func (a *App) HandlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := a.withTimeout(r)
	defer cancel()

	res, err := a.dispatch.PublishOne(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if !res.OverallSuccess {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (a *App) HandleRelease(action model.ReleaseAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil {
			writeError(w, fmt.Errorf("bad release index %q: %w", r.PathValue("index"), model.ErrValidation))
			return
		}
		ctx, cancel := a.withTimeout(r)
		defer cancel()

		var res model.ReleaseActionResult
		if action == model.ActionCancel {
			res, err = a.releases.Cancel(ctx, id, index)
		} else {
			res, err = a.releases.RunNow(ctx, id, index)
		}
		if a.observer != nil {
			a.observer.ObserveRelease(res)
		}
		if err != nil {
			writeJSON(w, statusFor(err), res)
			return
		}
		code := http.StatusOK
		if !res.Success {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, res)
	}
}

// HandleDispatch runs the batch dispatcher for today or for the given day.
// The run outlives the request so a dropped client cannot stop it halfway.
func (a *App) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("bad body: %v: %w", err, model.ErrValidation))
			return
		}
	}
	day := time.Now().In(a.cfg.Location)
	if q := r.URL.Query().Get("day"); q != "" {
		req.Day = q
	}
	if req.Day != "" {
		d, err := time.ParseInLocation(model.ScheduleDateLayout, req.Day, a.cfg.Location)
		if err != nil {
			writeError(w, fmt.Errorf("bad day %q: %w", req.Day, model.ErrValidation))
			return
		}
		day = d
	}

	sum, err := a.dispatch.RunDay(context.WithoutCancel(r.Context()), day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *App) HandleListTanks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	tcs, err := a.tanks.TankConfigurations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tcs == nil {
		tcs = []model.TankConfiguration{}
	}
	writeJSON(w, http.StatusOK, tcs)
}

func (a *App) HandleSetTank(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req tankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("bad body: %v: %w", err, model.ErrValidation))
		return
	}
	tc := model.TankConfiguration{
		TunnelID: id,
		Slot:     model.TankSlot(r.PathValue("slot")),
		Content:  req.Content,
		ItemID:   req.ItemID,
	}
	if err := a.tanks.UpsertTankConfiguration(r.Context(), tc); err != nil {
		writeError(w, err)
		return
	}
	a.cfg.Logger.Printf("http: tunnel %d slot %s set to %s item=%d", id, tc.Slot, tc.Content, tc.ItemID)
	writeJSON(w, http.StatusOK, tc)
}
