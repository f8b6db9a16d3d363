package view

// InitScript runs on every document load in a view page. It darkens the
// document background as early as possible so white flashes during
// navigation never reach the matrix, and installs the __hb change tracker:
// a dirty flag raised by a subtree mutation observer and by resize/scroll.
const InitScript = `(() => {
	const darken = () => {
		try {
			if (document.documentElement) document.documentElement.style.background = '#000';
			if (document.body) document.body.style.background = '#000';
		} catch (e) {}
	};
	darken();
	document.addEventListener('DOMContentLoaded', darken);

	window.__hb = { dirty: true, dirtyTs: Date.now(), seq: 0 };
	const mark = () => {
		window.__hb.dirty = true;
		window.__hb.seq++;
		window.__hb.dirtyTs = Date.now();
	};

	const attach = () => {
		const root = document.documentElement;
		if (!root) return false;
		new MutationObserver(mark).observe(root, {
			subtree: true,
			childList: true,
			attributes: true,
			characterData: true,
		});
		return true;
	};
	if (!attach()) document.addEventListener('DOMContentLoaded', attach);

	window.addEventListener('resize', mark);
	window.addEventListener('scroll', mark, true);
})()`

// consumeDirtyScript reads and clears the dirty flag, returning the prior
// value. A page without __hb (script not yet installed) counts as clean.
const consumeDirtyScript = `(() => {
	const hb = window.__hb;
	if (!hb) return false;
	const was = !!hb.dirty;
	hb.dirty = false;
	return was;
})()`

// markDirtyScript raises the dirty flag, used after reloads so the next
// loop iteration captures even if no mutation fired yet.
const markDirtyScript = `(() => {
	if (window.__hb) {
		window.__hb.dirty = true;
		window.__hb.dirtyTs = Date.now();
	}
	return true;
})()`

// paintDebounceScript resolves after two nested animation frames, letting
// transient DOM states settle before the screenshot.
const paintDebounceScript = `new Promise(resolve =>
	requestAnimationFrame(() => requestAnimationFrame(() => resolve(true))))`
