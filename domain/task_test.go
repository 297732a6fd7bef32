package domain

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestGroupTasksOrdersColumnsAndKeepsEveryTask(t *testing.T) {
	tasks := []Task{
		{ID: "d1", Status: StatusDone},
		{ID: "t1", Status: StatusTodo},
		{ID: "p1", Status: StatusInProgress},
		{ID: "t2", Status: StatusTodo},
	}

	lists := GroupTasks(tasks)

	if len(lists) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(lists))
	}
	wantOrder := []TaskStatus{StatusTodo, StatusInProgress, StatusDone}
	for i, status := range wantOrder {
		if lists[i].Status != status {
			t.Fatalf("column %d: expected %s, got %s", i, status, lists[i].Status)
		}
		if lists[i].Order != i {
			t.Fatalf("column %s: expected order %d, got %d", status, i, lists[i].Order)
		}
	}
	if lists[0].Label != "To do" || lists[1].Label != "In progress" || lists[2].Label != "Done" {
		t.Fatalf("unexpected labels: %q %q %q", lists[0].Label, lists[1].Label, lists[2].Label)
	}

	seen := map[string]bool{}
	total := 0
	for _, l := range lists {
		for _, task := range l.Tasks {
			if seen[task.ID] {
				t.Fatalf("task %s appears twice", task.ID)
			}
			seen[task.ID] = true
			total++
		}
	}
	if total != len(tasks) {
		t.Fatalf("expected %d tasks across columns, got %d", len(tasks), total)
	}
	if lists[0].Tasks[0].ID != "t1" || lists[0].Tasks[1].ID != "t2" {
		t.Fatalf("todo column lost input order: %+v", lists[0].Tasks)
	}
}

func TestGroupTasksDropsUnknownStatuses(t *testing.T) {
	tasks := []Task{
		{ID: "t1", Status: StatusTodo},
		{ID: "x1", Status: "archived"},
	}

	lists := GroupTasks(tasks)

	if len(lists) != 1 {
		t.Fatalf("expected 1 column, got %d", len(lists))
	}
	if len(lists[0].Tasks) != 1 || lists[0].Tasks[0].ID != "t1" {
		t.Fatalf("unexpected column content: %+v", lists[0].Tasks)
	}
}

func TestGroupTasksEmptyCollection(t *testing.T) {
	if lists := GroupTasks(nil); len(lists) != 0 {
		t.Fatalf("expected no columns, got %d", len(lists))
	}
}

func TestRemainingActivitiesDistinguishesMissingChecklist(t *testing.T) {
	if got := RemainingActivities(Task{}); got != nil {
		t.Fatalf("expected nil for task without checklist, got %d", *got)
	}

	task := Task{Activities: []Activity{
		{ActivityID: "activity_0", IsCompleted: false},
		{ActivityID: "activity_1", IsCompleted: true},
	}}
	got := RemainingActivities(task)
	if got == nil || *got != 1 {
		t.Fatalf("expected remaining count 1, got %v", got)
	}
	// Pure: calling again on the unmodified list yields the same value.
	again := RemainingActivities(task)
	if again == nil || *again != *got {
		t.Fatalf("expected stable count, got %v then %v", got, again)
	}

	allDone := Task{Activities: []Activity{{ActivityID: "activity_0", IsCompleted: true}}}
	if got := RemainingActivities(allDone); got == nil || *got != 0 {
		t.Fatalf("expected zero (not nil) for fully completed checklist, got %v", got)
	}
}

func TestNewActivityID(t *testing.T) {
	if id := NewActivityID(0); id != "activity_0" {
		t.Fatalf("unexpected id %q", id)
	}
	if id := NewActivityID(7); id != "activity_7" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestActivitiesEqual(t *testing.T) {
	a := []Activity{{ActivityID: "activity_0", Title: "write docs"}}
	b := []Activity{{ActivityID: "activity_0", Title: "write docs"}}
	if !ActivitiesEqual(a, b) {
		t.Fatal("expected equal lists")
	}
	b[0].IsCompleted = true
	if ActivitiesEqual(a, b) {
		t.Fatal("expected lists to differ")
	}
	if ActivitiesEqual(a, a[:0]) {
		t.Fatal("expected length mismatch to differ")
	}
}

func TestTaskMarshalKeepsWireShape(t *testing.T) {
	task := Task{
		ID:     "t1",
		Title:  "Ship release",
		Status: StatusInProgress,
		Owner:  TaskOwner{ID: "u1", Name: "Dana"},
		Activities: []Activity{
			{ActivityID: "activity_0", Title: "tag build", Assignee: "u2"},
		},
		CreatedAt: 1700000000000,
		UpdatedAt: 1700000001000,
	}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	for _, want := range []string{
		`"status":"in_progress"`,
		`"owner":{"id":"u1","name":"Dana"}`,
		`"activityId":"activity_0"`,
		`"isCompleted":false`,
	} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("expected payload to contain %s, got %s", want, payload)
		}
	}
}
