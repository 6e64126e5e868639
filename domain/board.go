package domain

// Board is one of the fixed workflow columns a task sits in.
type Board string

const (
	BoardBacklog  Board = "backlog"
	BoardThisWeek Board = "thisWeek"
	BoardToday    Board = "today"
	BoardDone     Board = "Done"
)

// Boards lists every board in display order.
var Boards = []Board{BoardBacklog, BoardThisWeek, BoardToday, BoardDone}

// Valid reports whether b is one of the known boards.
func (b Board) Valid() bool {
	switch b {
	case BoardBacklog, BoardThisWeek, BoardToday, BoardDone:
		return true
	}
	return false
}

// Rank is the board's position in display order, or len(Boards) for unknown values.
func (b Board) Rank() int {
	for i, known := range Boards {
		if known == b {
			return i
		}
	}
	return len(Boards)
}

// CompletedAfterMove decides the completed flag of a task moving from one board to another.
// The client applies it optimistically and the server applies it authoritatively, so both
// must go through this function.
func CompletedAfterMove(from, to Board, completed bool) bool {
	if to == BoardDone {
		return true
	}
	if from == BoardDone {
		return false
	}
	return completed
}

// RestoreBoard is the board an un-completed task returns to.
func RestoreBoard(t Task) Board {
	if t.LastBoard.Valid() && t.LastBoard != BoardDone {
		return t.LastBoard
	}
	if t.OriginalBoard.Valid() && t.OriginalBoard != BoardDone {
		return t.OriginalBoard
	}
	return BoardBacklog
}
