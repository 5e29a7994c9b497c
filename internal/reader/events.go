package reader

import (
	"context"
	"time"
)

// The reading surface integrates with the core by emitting events, not by
// wrapping core functions. A surface implements Source; the core subscribes
// once at startup.

// LocationEvent is emitted when the reading position moves.
type LocationEvent struct {
	BookRef    string
	Location   int64
	Percentage *float64
}

// PageTurnEvent is emitted when a page is left, carrying how long it was
// displayed.
type PageTurnEvent struct {
	BookRef string
	Dwell   time.Duration
}

// BookOpenedEvent is emitted when a book becomes the active one.
type BookOpenedEvent struct {
	BookRef string
}

// BookClosedEvent is emitted when the surface is about to discard its
// in-memory reading state.
type BookClosedEvent struct {
	BookRef string
}

// Listener receives reading-surface events.
type Listener interface {
	OnLocationChanged(LocationEvent)
	OnPageTurn(PageTurnEvent)
	OnBookOpened(BookOpenedEvent)
	OnBookClosed(BookClosedEvent)
}

// Source is anything that emits reading-surface events.
type Source interface {
	Subscribe(Listener)
}

// Attach subscribes the service to a reading surface.
func (s *Service) Attach(src Source) {
	src.Subscribe(s)
}

// OnLocationChanged records the new progress cursor.
func (s *Service) OnLocationChanged(ev LocationEvent) {
	s.RecordProgressPercent(ev.BookRef, ev.Location, ev.Percentage)
}

// OnPageTurn credits the page's dwell time through the dwell gate.
func (s *Service) OnPageTurn(ev PageTurnEvent) {
	s.RecordReadingMinutes(ev.BookRef, ev.Dwell)
}

// OnBookOpened makes the book current.
func (s *Service) OnBookOpened(ev BookOpenedEvent) {
	s.SetCurrentBook(ev.BookRef)
}

// OnBookClosed pushes state out immediately: the surface is discarding its
// memory, so the debounce window no longer protects anything. A failed
// flush is logged and left for the next mutation to retry.
func (s *Service) OnBookClosed(ev BookClosedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.coordinator.Flush(ctx); err != nil {
		s.logger.Error("Flush on book close failed", map[string]interface{}{
			"book_ref": ev.BookRef,
			"error":    err.Error(),
		})
	}
}
